// Package player plays rendered audio files to completion.
package player

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/readaloud/internal/config"
)

// Player blocks in Play until the file finished playing, failed, or ctx was
// cancelled. Cancellation stops playback immediately.
type Player interface {
	Play(ctx context.Context, path string) error
}

func NewFromConfig(cfg config.PlayerConfig) (Player, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecPlayer(cfg.Command)
	case "mock":
		return NewMockPlayer(time.Duration(cfg.MockDurationMS) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported player mode %q", cfg.Mode)
	}
}
