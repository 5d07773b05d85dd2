// Package observability wires structured logging and OpenTelemetry metrics
// for the relay's publish pipeline.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SetupLogger installs a slog default logger at the configured level.
func SetupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// NewMeterProvider registers a global meter provider describing this relay.
// Without a configured reader it is effectively a no-op, which keeps the
// instrumentation call sites free of enabled/disabled branches.
func NewMeterProvider(serviceName, version string, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider
}

// Pipeline carries the RED-style counters for the publish path.
type Pipeline struct {
	stored       metric.Int64Counter
	rejected     metric.Int64Counter
	broadcast    metric.Int64Counter
	storeLatency metric.Float64Histogram
}

// NewPipeline creates the publish-pipeline instruments.
func NewPipeline(meter metric.Meter) (*Pipeline, error) {
	p := &Pipeline{}
	var err error
	if p.stored, err = meter.Int64Counter("relay.events.stored",
		metric.WithDescription("Events durably stored")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if p.rejected, err = meter.Int64Counter("relay.events.rejected",
		metric.WithDescription("Publishes rejected at a pipeline gate")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if p.broadcast, err = meter.Int64Counter("relay.events.broadcast",
		metric.WithDescription("Events fanned out to live subscribers")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if p.storeLatency, err = meter.Float64Histogram("relay.store.latency",
		metric.WithDescription("Durable write latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	return p, nil
}

// RecordStored counts a durable write and its latency.
func (p *Pipeline) RecordStored(ctx context.Context, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.stored.Add(ctx, 1)
	p.storeLatency.Record(ctx, float64(elapsed.Milliseconds()))
}

// RecordRejected counts a rejected publish by gate.
func (p *Pipeline) RecordRejected(ctx context.Context, gate string) {
	if p == nil {
		return
	}
	p.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}

// RecordBroadcast counts a fan-out.
func (p *Pipeline) RecordBroadcast(ctx context.Context) {
	if p == nil {
		return
	}
	p.broadcast.Add(ctx, 1)
}
