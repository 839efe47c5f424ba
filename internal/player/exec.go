package player

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

type execPlayer struct {
	cmd []string
}

// NewExecPlayer runs command with the audio path appended, e.g.
// "ffplay -nodisp -autoexit -loglevel quiet" or "mpg123 -q".
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("player command %q: %w", args[0], err)
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string{}, p.cmd[1:]...), path)
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	command.WaitDelay = time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
