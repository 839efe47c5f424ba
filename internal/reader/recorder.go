package reader

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/readaloud/internal/eventstore"
)

const recordTimeout = 2 * time.Second

// Recorder is an Observer that writes the session timeline to the event
// store and remembers the last finished session.
type Recorder struct {
	store  *eventstore.Store
	logger *slog.Logger

	mu   sync.Mutex
	last *Result
}

// NewRecorder returns a Recorder. A nil store only keeps the last result.
func NewRecorder(store *eventstore.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{
		store:  store,
		logger: logger.With(slog.String("component", "reader-recorder")),
	}
}

func (r *Recorder) SessionStarted(p Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := r.store.BeginSession(ctx, eventstore.Session{
		ID:      p.SessionID,
		Backend: string(p.Backend),
		Voice:   p.Voice,
		Chunks:  p.TotalChunks,
		State:   string(StateSpeaking),
	})
	if err != nil {
		r.logger.Warn("failed to record session start", slog.String("session_id", p.SessionID), slogError(err))
		return
	}
	r.append(ctx, eventstore.Event{SessionID: p.SessionID, Type: eventstore.TypeSessionStarted, Detail: string(p.Backend)})
}

func (r *Recorder) ChunkStarted(p Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	r.append(ctx, eventstore.Event{SessionID: p.SessionID, Type: eventstore.TypeChunkStarted, Chunk: p.Chunk, Detail: string(p.Backend)})
}

func (r *Recorder) FellBack(p Progress, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	r.append(ctx, eventstore.Event{SessionID: p.SessionID, Type: eventstore.TypeBackendFallback, Chunk: p.Chunk, Detail: detail})
}

// SessionEnded writes the terminal row before the result becomes visible
// through Last.
func (r *Recorder) SessionEnded(res Result) {
	defer r.remember(res)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	err := r.store.FinishSession(ctx, eventstore.Session{
		ID:           res.SessionID,
		Backend:      string(res.Backend),
		Voice:        res.Voice,
		Chunks:       res.Chunks,
		ChunksPlayed: res.ChunksPlayed,
		State:        string(res.State),
		FellBack:     res.FellBack,
		Error:        errText,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
	})
	if err != nil {
		r.logger.Warn("failed to record session end", slog.String("session_id", res.SessionID), slogError(err))
		return
	}
	r.append(ctx, eventstore.Event{SessionID: res.SessionID, Type: endEventType(res.State), Detail: errText})
}

func (r *Recorder) remember(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &res
}

// Last returns the most recently finished session.
func (r *Recorder) Last() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

// Sessions lists the newest recorded sessions.
func (r *Recorder) Sessions(ctx context.Context, limit int) ([]eventstore.Session, error) {
	return r.store.RecentSessions(ctx, limit)
}

// Events returns the timeline of one session.
func (r *Recorder) Events(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error) {
	return r.store.ListSessionEvents(ctx, sessionID, limit)
}

func (r *Recorder) append(ctx context.Context, evt eventstore.Event) {
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.logger.Warn("failed to record event",
			slog.String("session_id", evt.SessionID),
			slog.String("type", evt.Type),
			slogError(err))
	}
}

func endEventType(state State) string {
	switch state {
	case StateStopped:
		return eventstore.TypeSessionStopped
	case StateFailed:
		return eventstore.TypeSessionFailed
	default:
		return eventstore.TypeSessionCompleted
	}
}
