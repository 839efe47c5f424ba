package reader

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions  metric.Int64Counter
	chunks    metric.Int64Counter
	fallbacks metric.Int64Counter
	synthesis metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *slog.Logger) metrics {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/readaloud/internal/reader")
	}
	var m metrics
	var err error
	if m.sessions, err = meter.Int64Counter("readaloud.sessions",
		metric.WithDescription("Reading sessions by terminal state")); err != nil {
		logger.Warn("failed to create sessions counter", slogError(err))
	}
	if m.chunks, err = meter.Int64Counter("readaloud.chunks",
		metric.WithDescription("Chunks started by backend")); err != nil {
		logger.Warn("failed to create chunks counter", slogError(err))
	}
	if m.fallbacks, err = meter.Int64Counter("readaloud.fallbacks",
		metric.WithDescription("Sessions that switched from remote to device speech")); err != nil {
		logger.Warn("failed to create fallbacks counter", slogError(err))
	}
	if m.synthesis, err = meter.Float64Histogram("readaloud.remote.synthesis.duration",
		metric.WithDescription("Remote synthesis latency per chunk"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create synthesis histogram", slogError(err))
	}
	return m
}

func (m metrics) sessionEnded(ctx context.Context, r Result) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(r.State)),
			attribute.String("backend", string(r.Backend)),
		))
	}
}

func (m metrics) chunkStarted(ctx context.Context, backend Backend) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", string(backend))))
	}
}

func (m metrics) fellBack(ctx context.Context) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}
}

func (m metrics) synthesized(ctx context.Context, d time.Duration, ok bool) {
	if m.synthesis != nil {
		m.synthesis.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}

func registerActiveGauge(meter metric.Meter, active func() int64) error {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/readaloud/internal/reader")
	}
	gauge, err := meter.Int64ObservableGauge("readaloud.sessions.active",
		metric.WithDescription("1 while a reading session runs"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	return err
}
