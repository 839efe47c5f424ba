package player

import (
	"context"
	"sync"
	"time"
)

// MockPlayer pretends to play each file for a fixed duration and remembers
// what it was asked to play.
type MockPlayer struct {
	duration time.Duration

	mu     sync.Mutex
	played []string
	err    error
}

func NewMockPlayer(duration time.Duration) *MockPlayer {
	return &MockPlayer{duration: duration}
}

// FailWith makes every later Play call return err after its duration.
func (m *MockPlayer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockPlayer) Play(ctx context.Context, path string) error {
	m.mu.Lock()
	m.played = append(m.played, path)
	err := m.err
	m.mu.Unlock()

	timer := time.NewTimer(m.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return err
}

func (m *MockPlayer) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.played...)
}
