// Package metrics exports relay metrics over OTLP.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	ServiceName = "ballot-relay"
	meterName   = "ballot-relay/relay"
)

// Provider owns the meter provider; Shutdown flushes pending exports.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Setup exports to endpoint (host:port, plaintext gRPC). An empty endpoint disables export.
func Setup(ctx context.Context, endpoint string) (*Provider, metric.Meter, error) {
	if endpoint == "" {
		return &Provider{}, noop.NewMeterProvider().Meter(meterName), nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return newProvider(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second)))
}

func newProvider(reader sdkmetric.Reader) (*Provider, metric.Meter, error) {
	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return &Provider{mp: mp}, mp.Meter(meterName), nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}

// Recorder holds the relay instruments.
type Recorder struct {
	processed metric.Int64Counter
	duration  metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
	failures  metric.Int64Counter
	nodeUp    metric.Int64Gauge
}

// NewRecorder registers instruments on meter; nil means a no-op meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}
	var (
		r   Recorder
		err error
	)
	if r.processed, err = meter.Int64Counter("ballot.messages",
		metric.WithDescription("Queue messages handled, by outcome"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.duration, err = meter.Float64Histogram("ballot.duration",
		metric.WithDescription("Time from delivery to acknowledgement"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}
	if r.inFlight, err = meter.Int64UpDownCounter("ballot.in_flight",
		metric.WithDescription("Ballots currently being processed"),
		metric.WithUnit("{ballot}"),
	); err != nil {
		return nil, err
	}
	if r.failures, err = meter.Int64Counter("ballot.failures",
		metric.WithDescription("Ballots finalized as error, by stage"),
		metric.WithUnit("{ballot}"),
	); err != nil {
		return nil, err
	}
	if r.nodeUp, err = meter.Int64Gauge("chain.node_up",
		metric.WithDescription("1 while the chain node answers pings"),
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Started marks a delivery as in flight and returns its completion callback.
func (r *Recorder) Started(ctx context.Context) func(outcome string) {
	if r == nil {
		return func(string) {}
	}
	start := time.Now()
	r.inFlight.Add(ctx, 1)
	return func(outcome string) {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		r.inFlight.Add(ctx, -1)
		r.processed.Add(ctx, 1, attrs)
		r.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (r *Recorder) Failed(ctx context.Context, stage string) {
	if r == nil {
		return
	}
	r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (r *Recorder) NodeUp(ctx context.Context, up bool) {
	if r == nil {
		return
	}
	var v int64
	if up {
		v = 1
	}
	r.nodeUp.Record(ctx, v)
}
