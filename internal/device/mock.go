package device

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MockSpeaker simulates an engine that takes a fixed time per utterance.
type MockSpeaker struct {
	*queue
	delay time.Duration

	mu     sync.Mutex
	spoken []Utterance
	fail   map[string]error
}

func NewMockSpeaker(delay time.Duration, logger *slog.Logger) *MockSpeaker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &MockSpeaker{delay: delay, fail: make(map[string]error)}
	m.queue = newQueue(m.speak, logger.With(slog.String("component", "device-mock")))
	return m
}

// FailOn makes every utterance whose id ends with suffix report err.
func (m *MockSpeaker) FailOn(suffix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[suffix] = err
}

// Spoken lists utterances that were started, in order.
func (m *MockSpeaker) Spoken() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.spoken...)
}

func (m *MockSpeaker) speak(ctx context.Context, u Utterance) error {
	m.mu.Lock()
	m.spoken = append(m.spoken, u)
	var err error
	for suffix, e := range m.fail {
		if strings.HasSuffix(u.ID, suffix) {
			err = e
			break
		}
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return err
}
