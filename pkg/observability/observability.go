// Package observability wires OpenTelemetry tracing and metrics around the
// verification engine. Metrics follow the RED pattern per operation, plus
// gauges for the admission queue and the operational mode and counters for
// ledger appends and trust penalties. Without an OTLP endpoint the provider
// is inert: every call is safe and nothing is exported.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "qorelogic.engine"

// Config selects the export target. An empty OTLPEndpoint disables export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns local-development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "qorelogic",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric pipelines.
type Provider struct {
	config         *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	requests  metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	active    metric.Int64UpDownCounter
	appends   metric.Int64Counter
	penalties metric.Int64Counter
}

// New builds the provider. With no OTLP endpoint it returns an inert
// provider whose recording methods are no-ops.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With(slog.String("component", "observability")),
	}
	if cfg.OTLPEndpoint == "" {
		p.logger.Debug("otlp export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.Info("observability initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate))
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("qorelogic.requests.total",
		metric.WithDescription("Operations dispatched"),
		metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.errors, err = p.meter.Int64Counter("qorelogic.errors.total",
		metric.WithDescription("Operations failed"),
		metric.WithUnit("{error}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.duration, err = p.meter.Float64Histogram("qorelogic.request.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.active, err = p.meter.Int64UpDownCounter("qorelogic.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.appends, err = p.meter.Int64Counter("qorelogic.ledger.appends",
		metric.WithDescription("Ledger entries committed"),
		metric.WithUnit("{entry}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.penalties, err = p.meter.Int64Counter("qorelogic.trust.penalties",
		metric.WithDescription("Trust penalties applied"),
		metric.WithUnit("{penalty}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// ObserveQueueDepth registers a gauge callback reading the admission queue.
func (p *Provider) ObserveQueueDepth(depth func() int) error {
	if p.meter == nil {
		return nil
	}
	_, err := p.meter.Int64ObservableGauge("qorelogic.queue.depth",
		metric.WithDescription("Admitted, unfinished requests"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("observability: queue gauge: %w", err)
	}
	return nil
}

// ObserveMode registers a gauge that reports 1 for the active mode.
func (p *Provider) ObserveMode(mode func() string) error {
	if p.meter == nil {
		return nil
	}
	_, err := p.meter.Int64ObservableGauge("qorelogic.mode",
		metric.WithDescription("Operational mode, one-hot by mode attribute"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(1, metric.WithAttributes(attribute.String("mode", mode())))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("observability: mode gauge: %w", err)
	}
	return nil
}

// Tracer returns the engine tracer; a no-op tracer when export is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordLedgerAppend counts one committed entry of the given kind.
func (p *Provider) RecordLedgerAppend(ctx context.Context, kind string) {
	if p.appends != nil {
		p.appends.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordPenalty counts one trust penalty of the given kind.
func (p *Provider) RecordPenalty(ctx context.Context, kind string) {
	if p.penalties != nil {
		p.penalties.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// TrackOperation opens a span and the RED instruments for one operation.
// The returned func closes them; pass the operation's terminal error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("operation", name))

	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.active != nil {
		p.active.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		elapsed := time.Since(start)
		if p.active != nil {
			p.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.duration != nil {
			p.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errors != nil {
				all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errors.Add(ctx, 1, metric.WithAttributes(all...))
			}
		}
		span.End()
	}
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
