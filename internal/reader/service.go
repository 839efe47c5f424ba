package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/readaloud/internal/bus"
	"github.com/loqalabs/readaloud/internal/config"
	"github.com/loqalabs/readaloud/internal/protocol"
	"github.com/loqalabs/readaloud/internal/remote"
	"github.com/loqalabs/readaloud/internal/textclean"
)

const (
	PolicyReplace = "replace"
	PolicyReject  = "reject"
)

// Service exposes the orchestrator on the bus. The HTTP surface calls the
// same Read, StopReading and Status methods.
type Service struct {
	cfg      config.Config
	bus      *bus.Client
	orch     *Orchestrator
	recorder *Recorder
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, orch *Orchestrator, recorder *Recorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		orch:     orch,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "reader-service")),
	}
}

// Start subscribes the bus handlers. Without a bus client only the direct
// methods are available.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRead:      s.handleRead,
		protocol.SubjectStop:      s.handleStop,
		protocol.SubjectStatusGet: s.handleStatus,
		protocol.SubjectHistory:   s.handleHistory,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close drops the subscriptions and stops any running session.
func (s *Service) Close() {
	s.unsubscribe()
	s.cancel()
	s.orch.Close()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || len(s.subs) == 4
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// Read turns a wire request into a session. Empty fields take the
// configured defaults.
func (s *Service) Read(req protocol.ReadRequest) (protocol.ReadReply, error) {
	readReq, err := s.buildRequest(req)
	if err != nil {
		return protocol.ReadReply{}, err
	}
	policy := req.Policy
	if policy == "" {
		policy = s.cfg.Reader.Policy
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if policy == PolicyReplace {
		if s.orch.Stop() {
			s.logger.Info("replaced active session")
		}
	}
	session, err := s.orch.Start(s.ctx, readReq)
	if err != nil {
		return protocol.ReadReply{}, err
	}
	s.logger.Info("session started",
		slog.String("session_id", session.ID),
		slog.String("backend", string(readReq.Voice.backend())))
	return protocol.ReadReply{SessionID: session.ID}, nil
}

// StopReading stops the session with the given id, or any session when id
// is empty.
func (s *Service) StopReading(id string) protocol.StopReply {
	var active string
	if sess := s.orch.Active(); sess != nil {
		active = sess.ID
	}
	var stopped bool
	if id == "" {
		stopped = s.orch.Stop()
	} else {
		stopped = s.orch.StopSession(id)
	}
	reply := protocol.StopReply{Stopped: stopped}
	if stopped {
		reply.SessionID = active
	}
	return reply
}

// Status describes the active session, or the last finished one.
func (s *Service) Status() protocol.Status {
	now := time.Now().UTC()
	if sess := s.orch.Active(); sess != nil {
		p := sess.Progress()
		return protocol.Status{
			SessionID:    p.SessionID,
			State:        string(p.State),
			Backend:      string(p.Backend),
			Title:        s.cfg.Reader.NotificationTitle,
			Chunk:        p.Chunk,
			TotalChunks:  p.TotalChunks,
			ChunksPlayed: p.ChunksPlayed,
			FellBack:     p.FellBack,
			Visible:      p.State == StateSpeaking,
			Timestamp:    now,
		}
	}
	if s.recorder != nil {
		if res, ok := s.recorder.Last(); ok {
			st := protocol.Status{
				SessionID:    res.SessionID,
				State:        string(res.State),
				Backend:      string(res.Backend),
				TotalChunks:  res.Chunks,
				ChunksPlayed: res.ChunksPlayed,
				FellBack:     res.FellBack,
				Timestamp:    now,
			}
			if res.Err != nil {
				st.Error = res.Err.Error()
			}
			return st
		}
	}
	return protocol.Status{State: string(StateIdle), Timestamp: now}
}

// History lists recent sessions, or the events of req.SessionID.
func (s *Service) History(ctx context.Context, req protocol.HistoryRequest) (protocol.HistoryReply, error) {
	var reply protocol.HistoryReply
	if s.recorder == nil {
		return reply, nil
	}
	if req.SessionID != "" {
		events, err := s.recorder.Events(ctx, req.SessionID, req.Limit)
		if err != nil {
			return reply, fmt.Errorf("list session events: %w", err)
		}
		for _, e := range events {
			reply.Events = append(reply.Events, protocol.SessionEvent{
				Type:      e.Type,
				Chunk:     e.Chunk,
				Detail:    e.Detail,
				CreatedAt: e.CreatedAt,
			})
		}
		return reply, nil
	}
	sessions, err := s.recorder.Sessions(ctx, req.Limit)
	if err != nil {
		return reply, fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		reply.Sessions = append(reply.Sessions, protocol.SessionSummary{
			SessionID:    sess.ID,
			State:        sess.State,
			Backend:      sess.Backend,
			Voice:        sess.Voice,
			Chunks:       sess.Chunks,
			ChunksPlayed: sess.ChunksPlayed,
			FellBack:     sess.FellBack,
			Error:        sess.Error,
			StartedAt:    sess.StartedAt,
			EndedAt:      sess.EndedAt,
		})
	}
	return reply, nil
}

func (s *Service) buildRequest(req protocol.ReadRequest) (ReadRequest, error) {
	text := req.Text
	if s.cfg.Reader.StripMarkdown || req.StripMarkdown {
		text = textclean.Clean(text)
	}

	voiceType := strings.TrimSpace(req.VoiceType)
	if voiceType == "" {
		voiceType = s.cfg.Reader.VoiceType
	}
	switch voiceType {
	case protocol.VoiceTypeDevice:
		voice := req.DeviceVoice
		if voice == "" {
			voice = s.cfg.Device.Voice
		}
		return ReadRequest{Text: text, Voice: DeviceVoice{Identifier: voice}}, nil
	case protocol.VoiceTypeRemote:
		voice := RemoteVoice{
			VoiceID: strings.TrimSpace(req.RemoteVoice),
			APIKey:  strings.TrimSpace(req.APIKey),
			Speed:   s.cfg.Remote.Speed,
		}
		if voice.VoiceID == "" {
			voice.VoiceID = s.cfg.Remote.Voice
		}
		if _, ok := remote.FindVoice(voice.VoiceID); !ok {
			return ReadRequest{}, fmt.Errorf("%w: unknown remote voice %q", ErrInvalidInput, voice.VoiceID)
		}
		if voice.APIKey == "" {
			voice.APIKey = s.cfg.Remote.APIKey
		}
		if req.Speed != nil {
			voice.Speed = *req.Speed
		}
		return ReadRequest{Text: text, Voice: voice}, nil
	default:
		return ReadRequest{}, fmt.Errorf("%w: unknown voice type %q", ErrInvalidInput, voiceType)
	}
}

func (s *Service) handleRead(msg *nats.Msg) {
	var req protocol.ReadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode read request", slogError(err))
		s.respond(msg, protocol.ReadReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	reply, err := s.Read(req)
	if err != nil {
		if !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrSessionActive) {
			s.logger.Warn("read request failed", slogError(err))
		}
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode stop request", slogError(err))
		}
	}
	s.respond(msg, s.StopReading(req.SessionID))
}

func (s *Service) handleStatus(msg *nats.Msg) {
	s.respond(msg, s.Status())
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.HistoryReply{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, recordTimeout)
	defer cancel()
	reply, err := s.History(ctx, req)
	if err != nil {
		s.logger.Warn("history request failed", slogError(err))
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}
