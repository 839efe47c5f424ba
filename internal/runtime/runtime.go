package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/readaloud/internal/bus"
	"github.com/loqalabs/readaloud/internal/config"
	"github.com/loqalabs/readaloud/internal/device"
	"github.com/loqalabs/readaloud/internal/eventstore"
	"github.com/loqalabs/readaloud/internal/natsserver"
	"github.com/loqalabs/readaloud/internal/notify"
	"github.com/loqalabs/readaloud/internal/player"
	"github.com/loqalabs/readaloud/internal/reader"
	"github.com/loqalabs/readaloud/internal/remote"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	speaker device.Speaker
	hub     *notify.Hub
	service *reader.Service
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           newHandler(r.service, r.hub, metricsHandler, r.isReady, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.URL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	audio, err := player.NewFromConfig(r.cfg.Player)
	if err != nil {
		r.logger.Warn("audio player unavailable, remote chunks will be skipped", slog.String("error", err.Error()))
		audio = nil
	}

	r.speaker, err = device.NewFromConfig(r.cfg.Device, audio, r.cfg.Reader.ScratchDir, r.logger)
	switch {
	case errors.Is(err, device.ErrUnavailable):
		r.logger.Warn("device speech unavailable", slog.String("error", err.Error()))
		r.speaker = nil
	case err != nil:
		return fmt.Errorf("failed to create device speaker: %w", err)
	}

	remoteClient := remote.NewFromConfig(r.cfg.Remote, r.cfg.Reader.ScratchDir, r.logger)
	r.hub = notify.NewHub(r.logger)
	notifier := notify.Multi{
		notify.NewBusNotifier(r.bus, r.logger),
		r.hub,
		notify.NewLogNotifier(r.logger),
	}
	recorder := reader.NewRecorder(r.store, r.logger)

	orch := reader.New(reader.Options{
		Speaker: r.speaker,
		Player:  audio,
		Remote: func(apiKey string) reader.Synthesizer {
			return remoteClient.WithAPIKey(apiKey)
		},
		Notifier:    notifier,
		Observer:    recorder,
		DeviceLimit: r.cfg.Device.MaxChunkChars,
		RemoteLimit: r.cfg.Remote.MaxChunkChars,
		Title:       r.cfg.Reader.NotificationTitle,
		Meter:       otel.Meter("github.com/loqalabs/readaloud"),
		Logger:      r.logger,
	})

	r.service = reader.NewService(ctx, r.cfg, r.bus, orch, recorder, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start reader service: %w", err)
	}
	return nil
}

func (r *Runtime) isReady() bool {
	return r.ready.Load() && r.bus.Healthy() && r.service.Healthy()
}

func (r *Runtime) shutdown() {
	if r.service != nil {
		r.service.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.speaker != nil {
		if err := r.speaker.Close(); err != nil {
			r.logger.Warn("device shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.telemetryStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
