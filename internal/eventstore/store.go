// Package eventstore keeps a SQLite timeline of reading sessions.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/readaloud/internal/config"
)

// Event types written by the reader service.
const (
	TypeSessionStarted   = "session.started"
	TypeChunkStarted     = "chunk.started"
	TypeBackendFallback  = "backend.fallback"
	TypeSessionCompleted = "session.completed"
	TypeSessionStopped   = "session.stopped"
	TypeSessionFailed    = "session.failed"
)

// Session is the summary row of one reading session.
type Session struct {
	ID           string
	Backend      string
	Voice        string
	Chunks       int
	ChunksPlayed int
	State        string
	FellBack     bool
	Error        string
	StartedAt    time.Time
	EndedAt      time.Time
}

// Event is one timeline entry of a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Chunk     int
	Detail    string
	CreatedAt time.Time
}

// Store wraps the SQLite database. In ephemeral mode it keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    backend TEXT NOT NULL,
    voice TEXT,
    chunks INTEGER NOT NULL DEFAULT 0,
    chunks_played INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    fell_back INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    chunk INTEGER,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a session that just started speaking.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, backend, voice, chunks, state, started_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET backend=excluded.backend, voice=excluded.voice,
		     chunks=excluded.chunks, state=excluded.state`,
		sess.ID, sess.Backend, sess.Voice, sess.Chunks, sess.State, sess.StartedAt.UnixMilli())
	return err
}

// FinishSession stores the terminal state of a session.
func (s *Store) FinishSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	if sess.EndedAt.IsZero() {
		sess.EndedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET backend=?, chunks=?, chunks_played=?, state=?, fell_back=?, error=?, ended_at=?
		 WHERE session_id=?`,
		sess.Backend, sess.Chunks, sess.ChunksPlayed, sess.State, boolInt(sess.FellBack), sess.Error, sess.EndedAt.UnixMilli(), sess.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// session ended before it started speaking
		if sess.StartedAt.IsZero() {
			sess.StartedAt = sess.EndedAt
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions(session_id, backend, voice, chunks, chunks_played, state, fell_back, error, started_at, ended_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Backend, sess.Voice, sess.Chunks, sess.ChunksPlayed, sess.State, boolInt(sess.FellBack), sess.Error,
			sess.StartedAt.UnixMilli(), sess.EndedAt.UnixMilli())
		return err
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, chunk, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Chunk, evt.Detail, evt.CreatedAt.UnixMilli())
	return err
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were written.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, COALESCE(chunk, 0), COALESCE(detail, ''), created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Chunk, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSessions lists the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, backend, COALESCE(voice, ''), chunks, chunks_played, state, fell_back,
		        COALESCE(error, ''), started_at, COALESCE(ended_at, 0)
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started, ended int64
		if err := rows.Scan(&sess.ID, &sess.Backend, &sess.Voice, &sess.Chunks, &sess.ChunksPlayed, &sess.State,
			&sess.FellBack, &sess.Error, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended > 0 {
			sess.EndedAt = time.UnixMilli(ended).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
