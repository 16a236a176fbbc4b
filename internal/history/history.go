// Package history provides SQLite-based persistence for conversation
// messages and upload records.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to in-memory storage.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/logger"
	"github.com/comigor/ragchat-go/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner TEXT NOT NULL,
    session_id TEXT NOT NULL,
    message_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    sources TEXT,
    confidence REAL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (owner, session_id);
CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    media_type TEXT NOT NULL,
    status TEXT NOT NULL,
    upload_path TEXT,
    chunks_processed INTEGER,
    archive_info TEXT,
    error TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);`

// Entry is a stored message together with the backend session it belongs
// to.
type Entry struct {
	SessionID string
	Message   session.Message
}

// SessionSummary describes one stored conversation.
type SessionSummary struct {
	SessionID    string
	MessageCount int
	LastActive   time.Time
}

type memUpload struct {
	owner string
	rec   ingest.Record
}

// Store persists messages and uploads for the current owner. It is safe
// for concurrent use.
type Store struct {
	path  string
	owner func() string

	dbOnce  sync.Once
	db      *sql.DB
	initErr error

	mu       sync.Mutex
	messages []memEntry // in-memory fallback
	uploads  []memUpload
}

type memEntry struct {
	owner string
	Entry
}

type Option func(*Store)

// WithOwner scopes every read and write to the value returned by owner,
// e.g. the signed-in user's id. The default owner is "".
func WithOwner(owner func() string) Option {
	return func(s *Store) { s.owner = owner }
}

// New returns a Store backed by the SQLite file at path. Nothing is
// opened until first use.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, owner: func() string { return "" }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// initDB lazily opens the SQLite database and creates the tables if they don't exist.
func (s *Store) initDB() {
	var err error
	s.db, err = sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "path", s.path, "error", err)
		return
	}
	s.db.SetMaxOpenConns(1)
	if _, err = s.db.Exec(schema); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory history", "path", s.path, "error", err)
		return
	}
	logger.L.Debug("sqlite history DB initialized", "path", s.path)
}

func (s *Store) available() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return goerr.Wrap(err, "failed to close history db", goerr.V("path", s.path))
	}
	return nil
}

// SaveMessage persists a message to the SQLite database when available and always keeps
// an in-memory copy as fallback.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, m session.Message) {
	owner := s.owner()

	if s.available() {
		sources, err := json.Marshal(m.Sources)
		if err != nil {
			sources = []byte("null")
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO messages (owner, session_id, message_id, role, content, sources, confidence, created_at) VALUES (?,?,?,?,?,?,?,?);`,
			owner, sessionID, m.ID, string(m.Role), m.Content, string(sources), nullFloat(m.Confidence), m.CreatedAt.UTC(),
		)
		if err != nil {
			logger.L.Error("failed to store message in sqlite; falling back to memory", "error", err)
		}
	}

	s.mu.Lock()
	s.messages = append(s.messages, memEntry{owner: owner, Entry: Entry{SessionID: sessionID, Message: m}})
	s.mu.Unlock()
}

// ListMessages returns all messages of a session in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	owner := s.owner()
	if s.available() {
		rows, err := s.db.QueryContext(ctx,
			`SELECT message_id, role, content, sources, confidence, created_at FROM messages WHERE owner = ? AND session_id = ? ORDER BY id ASC;`,
			owner, sessionID)
		if err == nil {
			defer rows.Close()
			var out []session.Message
			for rows.Next() {
				var (
					m          session.Message
					role       string
					sources    sql.NullString
					confidence sql.NullFloat64
				)
				if err := rows.Scan(&m.ID, &role, &m.Content, &sources, &confidence, &m.CreatedAt); err != nil {
					return nil, goerr.Wrap(err, "failed to scan message", goerr.V("session_id", sessionID))
				}
				m.Role = session.Role(role)
				if sources.Valid {
					_ = json.Unmarshal([]byte(sources.String), &m.Sources)
				}
				if confidence.Valid {
					c := confidence.Float64
					m.Confidence = &c
				}
				out = append(out, m)
			}
			return out, rows.Err()
		}
		logger.L.Warn("failed to query sqlite history; reading memory", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Message
	for _, e := range s.messages {
		if e.owner == owner && e.SessionID == sessionID {
			out = append(out, e.Message)
		}
	}
	return out, nil
}

// ListSessions returns the owner's conversations, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	owner := s.owner()
	if s.available() {
		rows, err := s.db.QueryContext(ctx,
			`SELECT session_id, COUNT(*), MAX(id) FROM messages WHERE owner = ? AND session_id != '' GROUP BY session_id ORDER BY MAX(id) DESC;`,
			owner)
		if err == nil {
			defer rows.Close()
			var (
				out  []SessionSummary
				last []int64
			)
			for rows.Next() {
				var (
					sum   SessionSummary
					maxID int64
				)
				if err := rows.Scan(&sum.SessionID, &sum.MessageCount, &maxID); err != nil {
					return nil, goerr.Wrap(err, "failed to scan session summary")
				}
				out = append(out, sum)
				last = append(last, maxID)
			}
			if err := rows.Err(); err != nil {
				return nil, goerr.Wrap(err, "failed to list sessions")
			}
			rows.Close()
			for i := range out {
				if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?;`, last[i]).Scan(&out[i].LastActive); err != nil {
					return nil, goerr.Wrap(err, "failed to read session activity", goerr.V("session_id", out[i].SessionID))
				}
			}
			return out, nil
		}
		logger.L.Warn("failed to query sqlite history; reading memory", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index := map[string]int{}
	var out []SessionSummary
	for i := len(s.messages) - 1; i >= 0; i-- {
		e := s.messages[i]
		if e.owner != owner || e.SessionID == "" {
			continue
		}
		if j, ok := index[e.SessionID]; ok {
			out[j].MessageCount++
			continue
		}
		index[e.SessionID] = len(out)
		out = append(out, SessionSummary{SessionID: e.SessionID, MessageCount: 1, LastActive: e.Message.CreatedAt})
	}
	return out, nil
}

// SaveUpload stores the latest state of an upload record.
func (s *Store) SaveUpload(ctx context.Context, rec ingest.Record) {
	owner := s.owner()

	if s.available() {
		var archive sql.NullString
		if rec.ArchiveInfo != nil {
			if b, err := json.Marshal(rec.ArchiveInfo); err == nil {
				archive = sql.NullString{String: string(b), Valid: true}
			}
		}
		var chunks sql.NullInt64
		if rec.ChunksProcessed != nil {
			chunks = sql.NullInt64{Int64: int64(*rec.ChunksProcessed), Valid: true}
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO uploads (id, owner, name, size_bytes, media_type, status, upload_path, chunks_processed, archive_info, error, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?);`,
			rec.ID, owner, rec.Name, rec.SizeBytes, rec.MediaType, string(rec.Status), rec.UploadPath, chunks, archive, rec.Error, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		)
		if err != nil {
			logger.L.Error("failed to store upload in sqlite; falling back to memory", "id", rec.ID, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.uploads {
		if u.rec.ID == rec.ID {
			s.uploads[i] = memUpload{owner: owner, rec: rec}
			return
		}
	}
	s.uploads = append(s.uploads, memUpload{owner: owner, rec: rec})
}

// ListUploads returns the owner's last limit uploads, oldest first. A
// limit <= 0 returns all of them.
func (s *Store) ListUploads(ctx context.Context, limit int) ([]ingest.Record, error) {
	owner := s.owner()
	if s.available() {
		query := `SELECT id, name, size_bytes, media_type, status, upload_path, chunks_processed, archive_info, error, created_at, updated_at
FROM uploads WHERE owner = ? ORDER BY created_at DESC, rowid DESC`
		args := []any{owner}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err == nil {
			defer rows.Close()
			var out []ingest.Record
			for rows.Next() {
				var (
					rec     ingest.Record
					status  string
					path    sql.NullString
					chunks  sql.NullInt64
					archive sql.NullString
					errMsg  sql.NullString
				)
				if err := rows.Scan(&rec.ID, &rec.Name, &rec.SizeBytes, &rec.MediaType, &status, &path, &chunks, &archive, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
					return nil, goerr.Wrap(err, "failed to scan upload")
				}
				rec.Status = ingest.Status(status)
				rec.UploadPath = path.String
				rec.Error = errMsg.String
				if chunks.Valid {
					n := int(chunks.Int64)
					rec.ChunksProcessed = &n
				}
				if archive.Valid {
					var info ingest.ArchiveInfo
					if json.Unmarshal([]byte(archive.String), &info) == nil {
						rec.ArchiveInfo = &info
					}
				}
				out = append(out, rec)
			}
			if err := rows.Err(); err != nil {
				return nil, goerr.Wrap(err, "failed to list uploads")
			}
			slices.Reverse(out)
			return out, nil
		}
		logger.L.Warn("failed to query sqlite uploads; reading memory", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.Record
	for _, u := range s.uploads {
		if u.owner == owner {
			out = append(out, u.rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
