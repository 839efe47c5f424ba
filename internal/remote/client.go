// Package remote talks to the cloud text-to-speech API: one POST to request
// synthesis, then a GET of the rendered audio once it is ready.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/readaloud/internal/config"
)

const (
	DefaultEndpoint = "https://api.fpt.ai/hmi/tts/v5"

	MinSpeed = -3
	MaxSpeed = 3

	keyCheckText = "test"
)

var errNotReady = errors.New("audio not ready")

type Options struct {
	Endpoint     string
	APIKey       string
	ScratchDir   string
	ReadyDelay   time.Duration
	PollAttempts int
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client is safe for concurrent use. A zero PollInterval means 500ms.
type Client struct {
	endpoint     string
	apiKey       string
	scratchDir   string
	readyDelay   time.Duration
	pollAttempts int
	pollInterval time.Duration
	http         *http.Client
	tracer       trace.Tracer
	logger       *slog.Logger
}

// apiResponse is the JSON body returned by the synthesis endpoint.
type apiResponse struct {
	Async     string `json:"async"`
	Error     *int   `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func New(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = newHTTPClient(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint:     opts.Endpoint,
		apiKey:       opts.APIKey,
		scratchDir:   opts.ScratchDir,
		readyDelay:   opts.ReadyDelay,
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
		http:         opts.HTTPClient,
		tracer:       otel.Tracer("github.com/loqalabs/readaloud/internal/remote"),
		logger:       logger.With(slog.String("component", "remote")),
	}
}

// NewFromConfig builds a client from the remote section of the runtime config.
func NewFromConfig(cfg config.RemoteConfig, scratchDir string, logger *slog.Logger) *Client {
	return New(Options{
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		ScratchDir:   scratchDir,
		ReadyDelay:   time.Duration(cfg.ReadyDelayMS) * time.Millisecond,
		PollAttempts: cfg.PollAttempts,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		Logger:       logger,
	})
}

func newHTTPClient(timeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   timeout,
	}
}

// WithAPIKey returns a copy of the client that authenticates with key.
func (c *Client) WithAPIKey(key string) *Client {
	clone := *c
	clone.apiKey = key
	return &clone
}

// Synthesize renders text with the given voice and speed and downloads the
// audio into the scratch directory. It never returns a nil Outcome.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string, speed int) Outcome {
	ctx, span := c.tracer.Start(ctx, "remote.synthesize", trace.WithAttributes(
		attribute.String("voice", voiceID),
		attribute.Int("speed", ClampSpeed(speed)),
		attribute.Int("text.runes", len([]rune(text))),
	))
	defer span.End()

	outcome := c.synthesize(ctx, text, voiceID, speed)
	if f, ok := outcome.(*Failure); ok {
		span.SetStatus(codes.Error, f.Reason)
		span.SetAttributes(attribute.String("failure.kind", string(f.Kind)))
		if f.Err != nil {
			span.RecordError(f.Err)
		}
	}
	return outcome
}

func (c *Client) synthesize(ctx context.Context, text, voiceID string, speed int) Outcome {
	if voiceID == "" {
		voiceID = DefaultVoice
	}
	asyncURL, f := c.requestSynthesis(ctx, text, voiceID, speed)
	if f != nil {
		c.logger.Warn("synthesis request failed", slog.String("kind", string(f.Kind)), slog.String("reason", f.Reason))
		return f
	}
	c.logger.Debug("synthesis accepted", slog.String("voice", voiceID))

	path, f := c.download(ctx, asyncURL)
	if f != nil {
		c.logger.Warn("audio download failed", slog.String("kind", string(f.Kind)), slog.String("reason", f.Reason))
		return f
	}
	return Audio{Path: path}
}

func (c *Client) requestSynthesis(ctx context.Context, text, voiceID string, speed int) (string, *Failure) {
	req, err := c.newPost(ctx, text, voiceID, ClampSpeed(speed))
	if err != nil {
		return "", failure(KindNetwork, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportFailure(ctx, "synthesis request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportFailure(ctx, "read synthesis response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failure(KindAPI, fmt.Sprintf("synthesis returned status %d", resp.StatusCode), nil)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", failure(KindAPI, "malformed synthesis response", err)
	}
	if parsed.Error != nil && *parsed.Error != 0 {
		reason := fmt.Sprintf("error code %d", *parsed.Error)
		if parsed.Message != "" {
			reason += ": " + parsed.Message
		}
		return "", failure(KindAPI, reason, nil)
	}
	if strings.TrimSpace(parsed.Async) == "" {
		return "", failure(KindAPI, "response carried no audio url", nil)
	}
	return parsed.Async, nil
}

func (c *Client) newPost(ctx context.Context, text, voiceID string, speed int) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("voice", voiceID)
	req.Header.Set("speed", strconv.Itoa(speed))
	return req, nil
}

// download waits for the ready delay, then fetches the audio. A 404 means the
// file is still rendering and is polled with backoff.
func (c *Client) download(ctx context.Context, url string) (string, *Failure) {
	if c.readyDelay > 0 {
		timer := time.NewTimer(c.readyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", failure(KindCancelled, "waiting for audio", ctx.Err())
		case <-timer.C:
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInterval
	policy.MaxInterval = 8 * c.pollInterval

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		return c.fetch(ctx, url)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.pollAttempts)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		var f *Failure
		switch {
		case errors.As(err, &f):
			return "", f
		case errors.Is(err, errNotReady):
			return "", failure(KindDownload, fmt.Sprintf("audio not ready after %d attempts", c.pollAttempts), err)
		default:
			return "", transportFailure(ctx, "download audio", err)
		}
	}
	defer resp.Body.Close()

	return c.store(ctx, resp.Body)
}

func (c *Client) fetch(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(failure(KindDownload, "build download request", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, backoff.Permanent(transportFailure(ctx, "download audio", err))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		c.logger.Debug("audio not ready yet")
		return nil, errNotReady
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		drain(resp.Body)
		return nil, backoff.Permanent(failure(KindDownload, fmt.Sprintf("download returned status %d", resp.StatusCode), nil))
	}
	return resp, nil
}

func (c *Client) store(ctx context.Context, body io.Reader) (string, *Failure) {
	if err := os.MkdirAll(c.scratchDir, 0o755); err != nil {
		return "", failure(KindDownload, "create scratch dir", err)
	}
	name := fmt.Sprintf("remote_%d_%s.mp3", time.Now().UnixMilli(), uuid.NewString()[:8])
	path := filepath.Join(c.scratchDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", failure(KindDownload, "create audio file", err)
	}
	n, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil || n == 0 {
		os.Remove(path)
		switch {
		case copyErr != nil:
			return "", transportFailure(ctx, "write audio file", copyErr)
		case closeErr != nil:
			return "", failure(KindDownload, "close audio file", closeErr)
		default:
			return "", failure(KindDownload, "downloaded audio is empty", nil)
		}
	}
	return path, nil
}

// ValidateAPIKey posts a short sample text with the client's key and reports
// whether the service accepted it. The response body is ignored.
func (c *Client) ValidateAPIKey(ctx context.Context) bool {
	req, err := c.newPost(ctx, keyCheckText, DefaultVoice, 0)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("api key check failed", slog.String("error", err.Error()))
		return false
	}
	defer drain(resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// ClampSpeed limits speed to the range accepted by the service.
func ClampSpeed(speed int) int {
	if speed < MinSpeed {
		return MinSpeed
	}
	if speed > MaxSpeed {
		return MaxSpeed
	}
	return speed
}

func transportFailure(ctx context.Context, reason string, err error) *Failure {
	if ctx.Err() != nil {
		return failure(KindCancelled, reason, ctx.Err())
	}
	return failure(KindNetwork, reason, err)
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
