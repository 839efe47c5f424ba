package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/readaloud/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := es.BeginSession(ctx, Session{ID: "s", Backend: "device", State: "speaking"}); err != nil {
		t.Fatalf("begin session should be a no-op: %v", err)
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected nothing stored, got %v %v", sessions, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.BeginSession(ctx, Session{ID: sessionID, Backend: "remote", Voice: "banmai", Chunks: 3, State: "speaking"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: sessionID, Type: TypeSessionStarted},
		{SessionID: sessionID, Type: TypeChunkStarted, Chunk: 0},
		{SessionID: sessionID, Type: TypeChunkStarted, Chunk: 1},
		{SessionID: sessionID, Type: TypeBackendFallback, Chunk: 1, Detail: "remote api failure: error code 1"},
		{SessionID: sessionID, Type: TypeSessionCompleted},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.FinishSession(ctx, Session{ID: sessionID, Backend: "device", Chunks: 3, ChunksPlayed: 3, State: "completed", FellBack: true}); err != nil {
		t.Fatalf("finish session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[3].Type != TypeBackendFallback || events[3].Chunk != 1 || events[3].Detail == "" {
		t.Fatalf("unexpected fallback event: %+v", events[3])
	}

	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.State != "completed" || !got.FellBack || got.Backend != "device" || got.Voice != "banmai" || got.ChunksPlayed != 3 {
		t.Fatalf("unexpected session row: %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}
}

func TestFinishWithoutBegin(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.FinishSession(ctx, Session{ID: "early", Backend: "device", State: "failed", Error: "device speech backend unavailable"}); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "early", Type: TypeSessionFailed}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != "failed" || sessions[0].Error == "" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old-session", Backend: "device", State: "speaking"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: TypeChunkStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "new-session", Backend: "remote", State: "speaking"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
