// Package device drives the local speech engine. Utterances are queued in
// FIFO order and progress is reported on an event channel.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/readaloud/internal/config"
	"github.com/loqalabs/readaloud/internal/player"
)

// ErrUnavailable reports that no speech engine could be initialised.
var ErrUnavailable = errors.New("device speech backend unavailable")

type Outcome string

const (
	OutcomeStarted Outcome = "started"
	OutcomeDone    Outcome = "done"
	OutcomeError   Outcome = "error"
)

type Event struct {
	UtteranceID string
	Outcome     Outcome
	Err         error
}

// Speaker is the device speech backend. Speak only enqueues; progress for
// every utterance arrives on Events. Stop drops queued utterances and cancels
// the one in flight without emitting events for them.
type Speaker interface {
	Speak(text, voice, utteranceID string) error
	Stop() error
	Events() <-chan Event
	Close() error
}

type Utterance struct {
	ID    string
	Text  string
	Voice string
}

// NewFromConfig builds the configured speaker. Render mode plays the engine's
// WAV output through p, storing it in scratchDir meanwhile.
func NewFromConfig(cfg config.DeviceConfig, p player.Player, scratchDir string, logger *slog.Logger) (Speaker, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSpeaker(time.Duration(cfg.MockDelayMS)*time.Millisecond, logger), nil
	case "exec":
		args, err := parseCommand(cfg.Command)
		if err != nil {
			return nil, err
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, args[0], err)
		}
		opts := ExecOptions{
			Command:    args,
			VoiceFlag:  cfg.VoiceFlag,
			Voice:      cfg.Voice,
			Render:     cfg.Render,
			Player:     p,
			ScratchDir: scratchDir,
		}
		return NewExecSpeaker(opts, logger)
	default:
		return nil, fmt.Errorf("unsupported device mode %q", cfg.Mode)
	}
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse device command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("device command empty")
	}
	return args, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
