// Package telemetry wires the strategy loop's counters and gauges to an
// OTLP metrics exporter when one is configured, and to a no-op meter
// provider otherwise so instrumentation calls are always safe.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const instrumentationName = "marketmaker/strategy"

// Metrics holds the instruments the strategy loop publishes to every
// iteration.
type Metrics struct {
	shutdown func(context.Context) error

	OrdersPlaced   metric.Int64Counter
	OrdersRejected metric.Int64Counter
	Escapes        metric.Int64Counter
	NAV            metric.Float64Gauge
	BaseShare      metric.Float64Gauge
	BackoffMs      metric.Float64Gauge
	LoopDuration   metric.Float64Histogram
}

// New builds a Metrics instance backed by an OTLP/HTTP exporter when
// otlpEndpoint is non-empty, or a no-op provider otherwise. Callers should
// call Shutdown on the returned Metrics when done.
func New(ctx context.Context, serviceName, otlpEndpoint string, insecure bool) (*Metrics, error) {
	provider, shutdown, err := buildProvider(ctx, serviceName, otlpEndpoint, insecure)
	if err != nil {
		return nil, err
	}

	meter := provider.Meter(instrumentationName)

	ordersPlaced, err := meter.Int64Counter("marketmaker.orders.placed")
	if err != nil {
		return nil, err
	}
	ordersRejected, err := meter.Int64Counter("marketmaker.orders.rejected")
	if err != nil {
		return nil, err
	}
	escapes, err := meter.Int64Counter("marketmaker.escapes.fired")
	if err != nil {
		return nil, err
	}
	nav, err := meter.Float64Gauge("marketmaker.nav")
	if err != nil {
		return nil, err
	}
	baseShare, err := meter.Float64Gauge("marketmaker.base_share")
	if err != nil {
		return nil, err
	}
	backoffMs, err := meter.Float64Gauge("marketmaker.ratelimit.backoff_ms")
	if err != nil {
		return nil, err
	}
	loopDuration, err := meter.Float64Histogram("marketmaker.loop.duration_ms")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		shutdown:       shutdown,
		OrdersPlaced:   ordersPlaced,
		OrdersRejected: ordersRejected,
		Escapes:        escapes,
		NAV:            nav,
		BaseShare:      baseShare,
		BackoffMs:      backoffMs,
		LoopDuration:   loopDuration,
	}, nil
}

// Shutdown flushes and closes the exporter, if one was configured.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// RecordLoopDuration is a convenience wrapper for the strategy's
// per-iteration timing histogram.
func (m *Metrics) RecordLoopDuration(ctx context.Context, d time.Duration) {
	m.LoopDuration.Record(ctx, float64(d.Milliseconds()))
}

func buildProvider(ctx context.Context, serviceName, otlpEndpoint string, insecure bool) (metric.MeterProvider, func(context.Context) error, error) {
	if otlpEndpoint == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(otlpEndpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	return provider, provider.Shutdown, nil
}
