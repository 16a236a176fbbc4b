package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/session"
)

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// backend is a minimal fake of the question-answering API.
func backend(t *testing.T, asks *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/qa/ask":
			asks.Add(1)
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req["question"] == "fail" {
				reply(w, 500, `{"success":false,"message":"Vector store offline"}`)
				return
			}
			reply(w, 200, `{"success":true,"data":{"answer":"Refunds within 30 days.","confidence":0.9,"sessionId":"s-123",
				"sources":[{"documentName":"policy.pdf","chunkIndex":2,"similarity":0.91,"confidence":0.8,"preview":"Refunds..."}]}}`)
		case "/api/documents/upload":
			_, hdr, err := r.FormFile("document")
			require.NoError(t, err)
			reply(w, 200, `{"success":true,"data":{"uploadPath":"/srv/`+hdr.Filename+`","originalName":"`+hdr.Filename+`","size":1}}`)
		case "/api/documents/ingest":
			reply(w, 200, `{"success":true,"data":{"chunksProcessed":5}}`)
		case "/api/auth/me":
			if r.Header.Get("Authorization") != "Bearer secret" {
				reply(w, 401, ``)
				return
			}
			reply(w, 200, `{"success":true,"data":{"uid":"u1","email":"ada@example.com"}}`)
		case "/api/user/stats":
			reply(w, 200, `{"success":true,"data":{"totalDocuments":2,"totalQuestions":14}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, baseURL string) string {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("RAGCHAT_API_BASE_URL", baseURL)
	t.Setenv("RAGCHAT_API_TOKEN", "secret")
	t.Setenv("RAGCHAT_HISTORY_DB_PATH", filepath.Join(dir, "history.db"))
	t.Setenv("RAGCHAT_LOG_LEVEL", "error")
	return dir
}

func TestRun_Ask(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	setupEnv(t, srv.URL)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"ragchat", "ask", "What", "is", "the", "refund", "policy?"}, &out))

	require.Contains(t, out.String(), "Assistant: Refunds within 30 days.")
	require.Contains(t, out.String(), "Confidence: 90.0%")
	require.Contains(t, out.String(), "[1] policy.pdf - Chunk 2 (similarity 91.0%, confidence 80.0%)")
	require.EqualValues(t, 1, asks.Load())

	// the exchange is kept in local history under the adopted session
	out.Reset()
	require.NoError(t, run(context.Background(), []string{"ragchat", "history"}, &out))
	require.Contains(t, out.String(), "s-123\t2 messages")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"ragchat", "history", "s-123"}, &out))
	require.Contains(t, out.String(), "You: What is the refund policy?")
}

func TestRun_AskFailurePrintsErrorMessage(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	setupEnv(t, srv.URL)

	var out bytes.Buffer
	err := run(context.Background(), []string{"ragchat", "ask", "fail"}, &out)
	require.Error(t, err)
	require.Contains(t, out.String(), "Error: Vector store offline")
}

func TestRun_AskRequiresQuestion(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	setupEnv(t, srv.URL)

	require.Error(t, run(context.Background(), []string{"ragchat", "ask"}, io.Discard))
	require.Zero(t, asks.Load())
}

func TestRun_Upload(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	dir := setupEnv(t, srv.URL)

	good := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(good, []byte("meeting notes"), 0o600))
	bad := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(bad, []byte{0x13, 0x37, 0x00, 0xde, 0xad, 0x00, 0xbe, 0xef}, 0o600))

	var out bytes.Buffer
	err := run(context.Background(), []string{"ragchat", "upload", good, bad}, &out)
	require.Error(t, err)
	require.Contains(t, out.String(), "✓ notes.txt (13 B) 5 chunks")
	require.Contains(t, out.String(), "✗ blob.bin: only PDF, TXT and ZIP files are allowed")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"ragchat", "history", "--uploads"}, &out))
	require.Contains(t, out.String(), "✓ notes.txt")
}

func TestRun_WhoamiAndStats(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	setupEnv(t, srv.URL)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"ragchat", "whoami"}, &out))
	require.True(t, strings.HasPrefix(out.String(), "ada\n"))
	require.Contains(t, out.String(), "uid:         u1")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"ragchat", "stats"}, &out))
	require.Equal(t, "totalDocuments: 2\ntotalQuestions: 14\n", out.String())
}

type scriptedReader struct {
	lines []string
}

func (s *scriptedReader) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestChatLoop(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	dir := setupEnv(t, srv.URL)
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting notes"), 0o600))

	a, err := newApp(globals{})
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	rl := &scriptedReader{lines: []string{
		"What is the refund policy?",
		"/upload " + path,
		"/uploads",
		"/logout",
		"   ",
		"/nope",
		"/quit",
		"never asked",
	}}
	require.NoError(t, chatLoop(context.Background(), rl, &out, a))

	text := out.String()
	require.True(t, strings.HasPrefix(text, "» "+session.Greeting))
	require.Contains(t, text, "Assistant: Refunds within 30 days.")
	require.Contains(t, text, "✓ notes.txt (13 B) 5 chunks")
	require.Contains(t, text, "unknown command /nope")
	require.EqualValues(t, 1, asks.Load())

	require.Empty(t, a.session.SessionID())
	require.Len(t, a.session.Messages(), 1)
	require.Len(t, a.pipeline.Recent(0), 1)
	require.Equal(t, ingest.StatusCompleted, a.pipeline.Recent(0)[0].Status)
}

func TestChatLoop_HistoryFollowsSignedInUser(t *testing.T) {
	var asks atomic.Int32
	srv := backend(t, &asks)
	setupEnv(t, srv.URL)

	a, err := newApp(globals{})
	require.NoError(t, err)
	defer a.close()

	rl := &scriptedReader{lines: []string{
		"What is the refund policy?",
		"/logout",
		"And shipping?",
	}}
	require.NoError(t, chatLoop(context.Background(), rl, io.Discard, a))
	require.EqualValues(t, 2, asks.Load())

	ctx := context.Background()

	// signed out: only the exchange made after logout is visible
	msgs, err := a.store.ListMessages(ctx, "s-123")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "And shipping?", msgs[0].Content)

	a.identity.SignIn(&oauth2.Token{AccessToken: "secret"})

	msgs, err = a.store.ListMessages(ctx, "s-123")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "What is the refund policy?", msgs[0].Content)
}
