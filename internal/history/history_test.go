package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/session"
)

func newStore(t *testing.T, owner *string) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "history.db"), WithOwner(func() string { return *owner }))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(id int64, role session.Role, content string, at time.Time) session.Message {
	return session.Message{ID: id, Role: role, Content: content, CreatedAt: at}
}

func TestMessages_RoundTrip(t *testing.T) {
	ctx := context.Background()
	owner := "u1"
	s := newStore(t, &owner)
	require.True(t, s.available())

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conf := 0.75
	answer := msg(2, session.RoleAssistant, "answer", at.Add(time.Second))
	answer.Confidence = &conf
	answer.Sources = []session.Citation{{DocumentName: "policy.pdf", ChunkIndex: 1, Similarity: 0.9, Confidence: 0.8, Preview: "p"}}

	s.SaveMessage(ctx, "s-1", msg(1, session.RoleUser, "question", at))
	s.SaveMessage(ctx, "s-1", answer)
	s.SaveMessage(ctx, "s-2", msg(3, session.RoleUser, "other", at.Add(time.Minute)))

	got, err := s.ListMessages(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "question", got[0].Content)
	require.Equal(t, session.RoleUser, got[0].Role)
	require.Nil(t, got[0].Confidence)
	require.Equal(t, answer.Sources, got[1].Sources)
	require.InDelta(t, 0.75, *got[1].Confidence, 1e-9)
	require.True(t, at.Equal(got[0].CreatedAt))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s-2", sessions[0].SessionID)
	require.Equal(t, 1, sessions[0].MessageCount)
	require.Equal(t, "s-1", sessions[1].SessionID)
	require.Equal(t, 2, sessions[1].MessageCount)

	owner = "u2"
	got, err = s.ListMessages(ctx, "s-1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func completed(id, name string, chunks int, at time.Time) ingest.Record {
	return ingest.Record{
		ID: id, Name: name, SizeBytes: 10, MediaType: "text/plain",
		Status: ingest.StatusCompleted, UploadPath: "/srv/" + name, ChunksProcessed: &chunks,
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestUploads_RoundTrip(t *testing.T) {
	ctx := context.Background()
	owner := "u1"
	s := newStore(t, &owner)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	zip := completed("c", "bundle.zip", 7, at.Add(2*time.Minute))
	zip.ArchiveInfo = &ingest.ArchiveInfo{FileCount: 2, ExtractedFiles: []string{"a.txt", "b.txt"}}

	s.SaveUpload(ctx, completed("a", "a.txt", 1, at))
	s.SaveUpload(ctx, ingest.Record{ID: "b", Name: "b.pdf", MediaType: "application/pdf", Status: ingest.StatusFailed, Error: "Vector store offline", CreatedAt: at.Add(time.Minute), UpdatedAt: at.Add(time.Minute)})
	s.SaveUpload(ctx, zip)

	all, err := s.ListUploads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, 1, *all[0].ChunksProcessed)
	require.Nil(t, all[1].ChunksProcessed)
	require.Equal(t, "Vector store offline", all[1].Error)
	require.Equal(t, ingest.StatusFailed, all[1].Status)
	require.Equal(t, zip.ArchiveInfo, all[2].ArchiveInfo)

	last, err := s.ListUploads(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, []string{last[0].ID, last[1].ID})

	// saving again replaces the row
	retried := completed("b", "b.pdf", 4, at.Add(time.Minute))
	s.SaveUpload(ctx, retried)
	all, err = s.ListUploads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ingest.StatusCompleted, all[1].Status)
}

func TestStore_FallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	owner := "u1"
	s := New(filepath.Join(t.TempDir(), "missing", "dir", "history.db"), WithOwner(func() string { return owner }))

	s.SaveMessage(ctx, "s-1", msg(1, session.RoleUser, "kept in memory", time.Now()))
	s.SaveUpload(ctx, completed("a", "a.txt", 2, time.Now()))
	require.False(t, s.available())

	got, err := s.ListMessages(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "kept in memory", got[0].Content)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []SessionSummary{{SessionID: "s-1", MessageCount: 1, LastActive: got[0].CreatedAt}}, sessions)

	uploads, err := s.ListUploads(ctx, 5)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	require.Equal(t, "a.txt", uploads[0].Name)
}

func TestStore_ImplementsRecorders(t *testing.T) {
	var _ session.Recorder = (*Store)(nil)
	var _ ingest.Recorder = (*Store)(nil)
}
