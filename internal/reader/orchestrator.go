// Package reader owns the reading session: it splits text into chunks,
// drives the device or remote backend, falls back from remote to device on
// failure and reports progress to the notification surface.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/readaloud/internal/chunker"
	"github.com/loqalabs/readaloud/internal/device"
	"github.com/loqalabs/readaloud/internal/notify"
	"github.com/loqalabs/readaloud/internal/player"
	"github.com/loqalabs/readaloud/internal/remote"
)

const (
	DefaultDeviceLimit = 3900
	DefaultRemoteLimit = 4000
	DefaultTitle       = "Read Aloud"

	fallbackSeparator = " "
)

type Options struct {
	// Speaker is the device backend; nil means it is unavailable.
	Speaker device.Speaker
	Player  player.Player
	Remote  SynthesizerFactory

	Notifier    notify.Notifier
	Observer    Observer
	DeviceLimit int
	RemoteLimit int
	Title       string
	Meter       metric.Meter
	Logger      *slog.Logger
}

// Orchestrator runs at most one Session at a time.
type Orchestrator struct {
	opts    Options
	metrics metrics
	logger  *slog.Logger

	mu     sync.Mutex
	active *Session
	closed bool
}

// Session is one read request from start to terminal state.
type Session struct {
	ID string

	request ReadRequest
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result

	mu       sync.Mutex
	progress Progress
	shown    bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.DeviceLimit <= 0 {
		opts.DeviceLimit = DefaultDeviceLimit
	}
	if opts.RemoteLimit <= 0 {
		opts.RemoteLimit = DefaultRemoteLimit
	}
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	logger := opts.Logger.With(slog.String("component", "reader"))
	o := &Orchestrator{
		opts:    opts,
		metrics: newMetrics(opts.Meter, logger),
		logger:  logger,
	}
	if err := registerActiveGauge(opts.Meter, o.activeCount); err != nil {
		logger.Warn("failed to register active session gauge", slogError(err))
	}
	return o
}

func (o *Orchestrator) activeCount() int64 {
	if o.Active() != nil {
		return 1
	}
	return 0
}

// Validate checks a request without starting anything.
func Validate(req ReadRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: text is blank", ErrInvalidInput)
	}
	switch v := req.Voice.(type) {
	case DeviceVoice:
	case RemoteVoice:
		if strings.TrimSpace(v.APIKey) == "" {
			return fmt.Errorf("%w: remote voice requires an api key", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: no voice selected", ErrInvalidInput)
	}
	return nil
}

// Start validates req and begins a session that lives until it completes,
// is stopped, or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, req ReadRequest) (*Session, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if o.active != nil {
		return nil, ErrSessionActive
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      uuid.NewString(),
		request: req,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.progress = Progress{SessionID: s.ID, State: StatePreparing, Backend: req.Voice.backend(), Voice: req.Voice.label()}
	s.result = Result{SessionID: s.ID, StartedAt: time.Now().UTC()}
	o.active = s

	go o.run(sctx, s)
	return s, nil
}

// Active returns the running session, if any.
func (o *Orchestrator) Active() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Stop ends the active session and waits until it is torn down. It reports
// whether a session was stopped.
func (o *Orchestrator) Stop() bool {
	return o.stop("")
}

// StopSession stops the active session only if its id matches.
func (o *Orchestrator) StopSession(id string) bool {
	return o.stop(id)
}

func (o *Orchestrator) stop(id string) bool {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil || (id != "" && s.ID != id) {
		return false
	}
	s.cancel()
	<-s.done
	return true
}

// Close stops the active session and rejects further requests.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Stop()
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Result blocks until the session is over.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Session) update(fn func(p *Progress)) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.progress)
	return s.progress
}

func (o *Orchestrator) run(ctx context.Context, s *Session) {
	logger := o.logger.With(slog.String("session_id", s.ID))
	var res Result
	switch v := s.request.Voice.(type) {
	case RemoteVoice:
		res = o.speakRemote(ctx, s, v, logger)
	case DeviceVoice:
		res = o.speakDevice(ctx, s, s.request.Text, v, logger)
	}
	o.finish(s, res, logger)
}

func (o *Orchestrator) finish(s *Session, res Result, logger *slog.Logger) {
	p := s.update(func(p *Progress) { p.State = res.State })
	res.SessionID = s.ID
	res.StartedAt = s.result.StartedAt
	res.EndedAt = time.Now().UTC()
	res.Backend = p.Backend
	res.Voice = p.Voice
	res.ChunksPlayed = p.ChunksPlayed
	res.FellBack = p.FellBack
	if res.Chunks == 0 {
		res.Chunks = p.TotalChunks
	}
	s.result = res
	s.cancel()

	s.mu.Lock()
	shown := s.shown
	s.mu.Unlock()
	if shown {
		o.opts.Notifier.Dismiss()
	}

	attrs := []any{slog.String("state", string(res.State)), slog.Int("chunks_played", res.ChunksPlayed)}
	if res.Err != nil {
		attrs = append(attrs, slogError(res.Err))
	}
	logger.Info("session ended", attrs...)
	o.metrics.sessionEnded(context.Background(), res)
	if o.opts.Observer != nil {
		o.opts.Observer.SessionEnded(res)
	}

	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()
	close(s.done)
}

func (o *Orchestrator) show(s *Session, status string) {
	s.mu.Lock()
	s.shown = true
	s.mu.Unlock()
	id := s.ID
	o.opts.Notifier.Show(id, o.opts.Title, status, func() { o.StopSession(id) })
}

func (o *Orchestrator) enterSpeaking(s *Session, backend Backend, total int) (fellBack bool) {
	p := s.update(func(p *Progress) {
		p.State = StateSpeaking
		p.Backend = backend
		p.TotalChunks = total
		p.Chunk = 0
	})
	if o.opts.Observer != nil && !p.FellBack {
		o.opts.Observer.SessionStarted(p)
	}
	return p.FellBack
}

func (o *Orchestrator) chunkStarted(ctx context.Context, s *Session, backend Backend, index int) {
	p := s.update(func(p *Progress) { p.Chunk = index })
	o.metrics.chunkStarted(ctx, backend)
	if o.opts.Observer != nil {
		o.opts.Observer.ChunkStarted(p)
	}
}

// speakDevice queues every chunk on the device backend and waits for the
// done event of the last one. Any error event ends the session.
func (o *Orchestrator) speakDevice(ctx context.Context, s *Session, text string, voice DeviceVoice, logger *slog.Logger) Result {
	speaker := o.opts.Speaker
	if speaker == nil {
		return Result{State: StateFailed, Err: device.ErrUnavailable}
	}
	chunks := chunker.Split(text, o.opts.DeviceLimit)
	if len(chunks) == 0 {
		return Result{State: StateCompleted}
	}
	if ctx.Err() != nil {
		return Result{State: StateStopped}
	}

	if fellBack := o.enterSpeaking(s, BackendDevice, len(chunks)); fellBack {
		o.opts.Notifier.Update("Reading (device)")
	} else {
		o.show(s, "Reading (device)")
	}

	prefix := s.ID + "/"
	index := make(map[string]int, len(chunks))
	var terminal string
	for _, c := range chunks {
		id := fmt.Sprintf("%schunk_%d", prefix, c.Index)
		index[id] = c.Index
		terminal = id
		if err := speaker.Speak(c.Text, voice.Identifier, id); err != nil {
			speaker.Stop()
			return Result{State: StateFailed, Chunks: len(chunks), Err: fmt.Errorf("%w: %v", device.ErrUnavailable, err)}
		}
	}
	logger.Debug("queued device chunks", slog.Int("chunks", len(chunks)))

	events := speaker.Events()
	for {
		select {
		case <-ctx.Done():
			speaker.Stop()
			return Result{State: StateStopped, Chunks: len(chunks)}
		case ev := <-events:
			i, ok := index[ev.UtteranceID]
			if !ok {
				continue
			}
			switch ev.Outcome {
			case device.OutcomeStarted:
				o.chunkStarted(ctx, s, BackendDevice, i)
			case device.OutcomeDone:
				s.update(func(p *Progress) { p.ChunksPlayed++ })
				if ev.UtteranceID == terminal {
					return Result{State: StateCompleted, Chunks: len(chunks)}
				}
			case device.OutcomeError:
				logger.Warn("device utterance failed", slog.String("utterance_id", ev.UtteranceID), slogError(ev.Err))
				speaker.Stop()
				return Result{State: StateCompleted, Chunks: len(chunks), Err: ev.Err}
			}
		}
	}
}

// speakRemote synthesizes and plays chunks one at a time. The first failure
// hands the unread remainder to the device backend.
func (o *Orchestrator) speakRemote(ctx context.Context, s *Session, voice RemoteVoice, logger *slog.Logger) Result {
	if o.opts.Remote == nil {
		return Result{State: StateFailed, Err: errors.New("remote synthesis not configured")}
	}
	synth := o.opts.Remote(voice.APIKey)
	chunks := chunker.Split(s.request.Text, o.opts.RemoteLimit)
	if len(chunks) == 0 {
		return Result{State: StateCompleted}
	}

	o.enterSpeaking(s, BackendRemote, len(chunks))
	o.show(s, "Reading (remote)")

	for i, c := range chunks {
		if ctx.Err() != nil {
			return Result{State: StateStopped, Chunks: len(chunks)}
		}
		o.opts.Notifier.Update(fmt.Sprintf("chunk %d of %d", i+1, len(chunks)))
		o.chunkStarted(ctx, s, BackendRemote, i)

		started := time.Now()
		outcome := synth.Synthesize(ctx, c.Text, voice.VoiceID, voice.Speed)
		switch out := outcome.(type) {
		case remote.Audio:
			o.metrics.synthesized(ctx, time.Since(started), true)
			err := o.play(ctx, out.Path)
			if ctx.Err() != nil {
				return Result{State: StateStopped, Chunks: len(chunks)}
			}
			if err != nil {
				logger.Warn("playback failed, continuing", slog.Int("chunk", i), slogError(err))
			}
			s.update(func(p *Progress) { p.ChunksPlayed++ })
		case *remote.Failure:
			o.metrics.synthesized(ctx, time.Since(started), false)
			if ctx.Err() != nil || out.Kind == remote.KindCancelled {
				return Result{State: StateStopped, Chunks: len(chunks)}
			}
			return o.fallback(ctx, s, chunks[i:], out, logger)
		default:
			return Result{State: StateFailed, Chunks: len(chunks), Err: fmt.Errorf("unexpected synthesis outcome %T", outcome)}
		}
	}
	return Result{State: StateCompleted, Chunks: len(chunks)}
}

func (o *Orchestrator) fallback(ctx context.Context, s *Session, rest []chunker.Chunk, cause *remote.Failure, logger *slog.Logger) Result {
	logger.Warn("remote synthesis failed, falling back to device",
		slog.Int("from_chunk", rest[0].Index),
		slog.String("kind", string(cause.Kind)),
		slog.String("reason", cause.Reason))
	if o.opts.Speaker == nil {
		return Result{State: StateFailed, Err: fmt.Errorf("%w: fallback after %v", device.ErrUnavailable, cause)}
	}

	p := s.update(func(p *Progress) { p.FellBack = true })
	o.metrics.fellBack(ctx)
	if o.opts.Observer != nil {
		o.opts.Observer.FellBack(p, cause)
	}
	return o.speakDevice(ctx, s, chunker.Join(rest, fallbackSeparator), DeviceVoice{}, logger)
}

// play removes path on every exit. Without a player the chunk is skipped.
func (o *Orchestrator) play(ctx context.Context, path string) error {
	defer os.Remove(path)
	if o.opts.Player == nil {
		return errors.New("no audio player configured")
	}
	return o.opts.Player.Play(ctx, path)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
