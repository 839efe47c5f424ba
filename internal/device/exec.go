package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/readaloud/internal/player"
)

type ExecOptions struct {
	// Command is the engine argv; the utterance text is appended last.
	Command   []string
	VoiceFlag string
	// Voice is used when an utterance carries no voice of its own.
	Voice string
	// Render expects WAV on stdout and plays it through Player.
	Render     bool
	Player     player.Player
	ScratchDir string
}

type execSpeaker struct {
	*queue
	opts   ExecOptions
	logger *slog.Logger
}

func NewExecSpeaker(opts ExecOptions, logger *slog.Logger) (Speaker, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("device command empty")
	}
	if opts.Render {
		if opts.Player == nil {
			return nil, fmt.Errorf("render mode requires a player")
		}
		if opts.ScratchDir == "" {
			opts.ScratchDir = os.TempDir()
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("component", "device"))
	s := &execSpeaker{opts: opts, logger: logger}
	s.queue = newQueue(s.speak, logger)
	return s, nil
}

func (s *execSpeaker) args(u Utterance) []string {
	args := append([]string{}, s.opts.Command[1:]...)
	voice := u.Voice
	if voice == "" {
		voice = s.opts.Voice
	}
	if voice != "" && s.opts.VoiceFlag != "" {
		args = append(args, s.opts.VoiceFlag, voice)
	}
	return append(args, u.Text)
}

func (s *execSpeaker) speak(ctx context.Context, u Utterance) error {
	if s.opts.Render {
		return s.render(ctx, u)
	}
	command := exec.CommandContext(ctx, s.opts.Command[0], s.args(u)...)
	command.WaitDelay = time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *execSpeaker) render(ctx context.Context, u Utterance) error {
	if err := os.MkdirAll(s.opts.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}
	file, err := os.CreateTemp(s.opts.ScratchDir, "device_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	command := exec.CommandContext(ctx, s.opts.Command[0], s.args(u)...)
	command.WaitDelay = time.Second
	var stderr bytes.Buffer
	command.Stdout = file
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("render command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return fmt.Errorf("engine produced invalid wav output")
	}
	if d, err := dec.Duration(); err == nil {
		s.logger.Debug("rendered utterance", slog.String("utterance_id", u.ID), slog.Duration("duration", d))
	}
	return s.opts.Player.Play(ctx, file.Name())
}
