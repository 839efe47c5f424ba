package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errClosed = errors.New("speaker closed")

const eventBuffer = 256

type speakFunc func(ctx context.Context, u Utterance) error

// queue is the FIFO worker shared by every speaker implementation.
type queue struct {
	run    speakFunc
	events chan Event
	wake   chan struct{}
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	pending    []Utterance
	generation uint64
	stopped    chan struct{} // closed when generation advances
	current    context.CancelFunc
	closed     bool
}

func newQueue(run speakFunc, logger *slog.Logger) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		run:     run,
		events:  make(chan Event, eventBuffer),
		wake:    make(chan struct{}, 1),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *queue) Speak(text, voice, utteranceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errClosed
	}
	q.pending = append(q.pending, Utterance{ID: utteranceID, Text: text, Voice: voice})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advanceLocked()
	return nil
}

// advanceLocked drops the queue and releases any emit blocked on the old
// generation.
func (q *queue) advanceLocked() {
	q.pending = nil
	q.generation++
	close(q.stopped)
	q.stopped = make(chan struct{})
	if q.current != nil {
		q.current()
	}
}

func (q *queue) Events() <-chan Event { return q.events }

func (q *queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.advanceLocked()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *queue) loop() {
	defer q.wg.Done()
	for {
		u, ctx, gen, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		q.emit(gen, Event{UtteranceID: u.ID, Outcome: OutcomeStarted})
		err := q.run(ctx, u)
		q.finish()
		if err != nil {
			q.logger.Warn("utterance failed", slog.String("utterance_id", u.ID), slogError(err))
			q.emit(gen, Event{UtteranceID: u.ID, Outcome: OutcomeError, Err: err})
			continue
		}
		q.emit(gen, Event{UtteranceID: u.ID, Outcome: OutcomeDone})
	}
}

func (q *queue) next() (Utterance, context.Context, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 || q.closed {
		return Utterance{}, nil, 0, false
	}
	u := q.pending[0]
	q.pending = q.pending[1:]
	ctx, cancel := context.WithCancel(q.ctx)
	q.current = cancel
	return u, ctx, q.generation, true
}

func (q *queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		q.current()
		q.current = nil
	}
}

// emit drops events belonging to a generation that was stopped. Otherwise it
// blocks until the event is read, the generation is stopped or the queue is
// closed, so a terminal done is never lost to a full buffer.
func (q *queue) emit(gen uint64, ev Event) {
	q.mu.Lock()
	stale := gen != q.generation
	stopped := q.stopped
	q.mu.Unlock()
	if stale {
		return
	}
	select {
	case q.events <- ev:
	case <-stopped:
		q.logger.Debug("device event discarded after stop", slog.String("utterance_id", ev.UtteranceID), slog.String("outcome", string(ev.Outcome)))
	case <-q.ctx.Done():
	}
}
