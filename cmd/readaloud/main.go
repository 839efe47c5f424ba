package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/readaloud/internal/bus"
	"github.com/loqalabs/readaloud/internal/config"
	"github.com/loqalabs/readaloud/internal/protocol"
	"github.com/loqalabs/readaloud/internal/reader"
	"github.com/loqalabs/readaloud/internal/remote"
)

var version = "0.1.0-dev"

const usage = "usage: readaloud <read|stop|status|history|voices|validate-key|version> [flags]"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	c := &cli{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	var err error
	switch args[0] {
	case "read":
		err = c.read(args[1:])
	case "stop":
		err = c.stop(args[1:])
	case "status":
		err = c.status(args[1:])
	case "history":
		err = c.history(args[1:])
	case "voices":
		err = c.voices()
	case "validate-key":
		err = c.validateKey(args[1:])
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type commonFlags struct {
	configPath string
	timeout    time.Duration
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := &commonFlags{}
	fs.StringVar(&common.configPath, "config", "", "Path to configuration file")
	fs.DurationVar(&common.timeout, "timeout", 5*time.Second, "Request timeout")
	return fs, common
}

func (c *cli) connect(ctx context.Context, common *commonFlags) (*bus.Client, error) {
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return nil, err
	}
	return bus.Connect(ctx, cfg.Bus, "readaloud-cli", c.logger)
}

func (c *cli) read(args []string) error {
	fs, common := newFlagSet("read", c.stderr)
	var (
		req  protocol.ReadRequest
		wait bool
	)
	speed := fs.Int("speed", 0, "Remote speed from -3 to 3")
	fs.StringVar(&req.VoiceType, "voice-type", "", "device or remote (default from config)")
	fs.StringVar(&req.DeviceVoice, "device-voice", "", "Device engine voice identifier")
	fs.StringVar(&req.RemoteVoice, "remote-voice", "", "Remote voice id, see 'readaloud voices'")
	fs.StringVar(&req.APIKey, "api-key", "", "Remote API key")
	fs.StringVar(&req.Policy, "policy", "", "replace or reject while another session runs")
	fs.BoolVar(&req.StripMarkdown, "strip-markdown", false, "Drop markdown markers (* # _ ` ~) before reading")
	fs.BoolVar(&wait, "wait", false, "Wait until the session ends")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "speed" {
			req.Speed = speed
		}
	})

	text, err := c.readText(fs.Args())
	if err != nil {
		return err
	}
	req.Text = text

	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	client, err := c.connect(ctx, common)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.ReadReply
	if err := client.RequestJSON(ctx, protocol.SubjectRead, req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Fprintln(c.stdout, reply.SessionID)
	if !wait {
		return nil
	}
	return c.waitSession(client, reply.SessionID, common.timeout)
}

// readText joins the positional arguments, or reads stdin when there are
// none or the only one is "-".
func (c *cli) readText(args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(c.stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func (c *cli) waitSession(client *bus.Client, id string, timeout time.Duration) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		var st protocol.Status
		err := client.RequestJSON(ctx, protocol.SubjectStatusGet, struct{}{}, &st)
		cancel()
		if err != nil {
			return err
		}
		if st.SessionID != id || reader.State(st.State).Terminal() || st.State == string(reader.StateIdle) {
			c.printStatus(st)
			return nil
		}
	}
	return nil
}

func (c *cli) stop(args []string) error {
	fs, common := newFlagSet("stop", c.stderr)
	var req protocol.StopRequest
	fs.StringVar(&req.SessionID, "session", "", "Only stop this session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	client, err := c.connect(ctx, common)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.StopReply
	if err := client.RequestJSON(ctx, protocol.SubjectStop, req, &reply); err != nil {
		return err
	}
	if reply.Stopped {
		fmt.Fprintf(c.stdout, "stopped %s\n", reply.SessionID)
	} else {
		fmt.Fprintln(c.stdout, "nothing to stop")
	}
	return nil
}

func (c *cli) status(args []string) error {
	fs, common := newFlagSet("status", c.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	client, err := c.connect(ctx, common)
	if err != nil {
		return err
	}
	defer client.Close()

	var st protocol.Status
	if err := client.RequestJSON(ctx, protocol.SubjectStatusGet, struct{}{}, &st); err != nil {
		return err
	}
	c.printStatus(st)
	return nil
}

func (c *cli) printStatus(st protocol.Status) {
	if st.SessionID == "" {
		fmt.Fprintln(c.stdout, st.State)
		return
	}
	line := fmt.Sprintf("%s %s backend=%s chunks=%d/%d", st.SessionID, st.State, st.Backend, st.ChunksPlayed, st.TotalChunks)
	if st.FellBack {
		line += " fell_back=true"
	}
	if st.Error != "" {
		line += " error=" + st.Error
	}
	fmt.Fprintln(c.stdout, line)
}

func (c *cli) history(args []string) error {
	fs, common := newFlagSet("history", c.stderr)
	var req protocol.HistoryRequest
	fs.StringVar(&req.SessionID, "session", "", "Show the event timeline of this session")
	fs.IntVar(&req.Limit, "limit", 20, "Maximum number of rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	client, err := c.connect(ctx, common)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.HistoryReply
	if err := client.RequestJSON(ctx, protocol.SubjectHistory, req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}

	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	if req.SessionID != "" {
		fmt.Fprintln(w, "TIME\tEVENT\tCHUNK\tDETAIL")
		for _, e := range reply.Events {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Type, e.Chunk, e.Detail)
		}
		return w.Flush()
	}
	fmt.Fprintln(w, "SESSION\tSTARTED\tSTATE\tBACKEND\tCHUNKS\tFELL BACK")
	for _, sess := range reply.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%t\n", sess.SessionID, sess.StartedAt.Local().Format(time.DateTime),
			sess.State, sess.Backend, sess.ChunksPlayed, sess.Chunks, sess.FellBack)
	}
	return w.Flush()
}

func (c *cli) voices() error {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGENDER\tREGION")
	for _, v := range remote.Voices() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.DisplayName, v.Gender, v.Region)
	}
	return w.Flush()
}

func (c *cli) validateKey(args []string) error {
	fs, common := newFlagSet("validate-key", c.stderr)
	key := fs.String("api-key", "", "API key to check (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return err
	}
	if *key == "" {
		*key = cfg.Remote.APIKey
	}
	if strings.TrimSpace(*key) == "" {
		return errors.New("no api key given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Remote.TimeoutSeconds)*time.Second)
	defer cancel()
	client := remote.NewFromConfig(cfg.Remote, cfg.Reader.ScratchDir, c.logger).WithAPIKey(*key)
	if !client.ValidateAPIKey(ctx) {
		return errors.New("api key rejected")
	}
	fmt.Fprintln(c.stdout, "api key valid")
	return nil
}
