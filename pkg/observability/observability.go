// Package observability wires the pipeline's OpenTelemetry instruments:
// decision and stage latency histograms, decision and reject counters, the
// idempotency-hit counter, the queue-depth gauge, and the per-client
// in-flight gauge. With Enabled=false every record call is a no-op, so
// call sites stay unconditional.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry off; serving
// deployments enable it explicitly.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gatehouse",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		SampleRate:     1.0,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider owns the trace and meter providers plus the pipeline
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionHist  metric.Float64Histogram
	stageHist     metric.Float64Histogram
	intentsTotal  metric.Int64Counter
	rejectsTotal  metric.Int64Counter
	idemHits      metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
	inflight      metric.Int64UpDownCounter
	depthMu       sync.Mutex
	lastSeenDepth int64
}

// New creates the provider. With cfg.Enabled false it returns a provider
// whose record methods do nothing.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metrics: %w", err)
	}

	p.tracer = otel.Tracer("relaymesh.gatehouse",
		trace.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	p.meter = otel.Meter("relaymesh.gatehouse",
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
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

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisionHist, err = p.meter.Float64Histogram("gatehouse.decision.duration",
		metric.WithDescription("Intake to first terminal state or QUEUED"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		return err
	}

	p.stageHist, err = p.meter.Float64Histogram("gatehouse.stage.duration",
		metric.WithDescription("Per-stage admission latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.2, 0.5, 1, 2, 5, 10, 25, 50, 100, 150),
	)
	if err != nil {
		return err
	}

	p.intentsTotal, err = p.meter.Int64Counter("gatehouse.intents",
		metric.WithDescription("Intents by final decision"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.rejectsTotal, err = p.meter.Int64Counter("gatehouse.rejects",
		metric.WithDescription("Rejections by reason code"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return err
	}

	p.idemHits, err = p.meter.Int64Counter("gatehouse.idempotency.hits",
		metric.WithDescription("Requests answered from the idempotency layer"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	p.queueDepth, err = p.meter.Int64UpDownCounter("gatehouse.queue.depth",
		metric.WithDescription("Admitted intents awaiting relay handoff"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.inflight, err = p.meter.Int64UpDownCounter("gatehouse.inflight",
		metric.WithDescription("Requests currently in the pipeline by client key"),
		metric.WithUnit("{request}"),
	)
	return err
}

// TrackDecision starts the decision clock. The returned closure records
// the latency and counts the intent under its final decision.
func (p *Provider) TrackDecision(ctx context.Context) func(decision string) {
	start := time.Now()
	return func(decision string) {
		if p.decisionHist != nil {
			p.decisionHist.Record(ctx, float64(time.Since(start))/float64(time.Millisecond))
		}
		if p.intentsTotal != nil {
			p.intentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
		}
	}
}

// RecordStage records one stage-latency sample.
func (p *Provider) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	if p.stageHist == nil {
		return
	}
	p.stageHist.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordReject counts a rejection under its reason code.
func (p *Provider) RecordReject(ctx context.Context, code string) {
	if p.rejectsTotal == nil {
		return
	}
	p.rejectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason_code", code)))
}

// RecordIdempotencyHit counts a request answered without running the
// pipeline.
func (p *Provider) RecordIdempotencyHit(ctx context.Context) {
	if p.idemHits == nil {
		return
	}
	p.idemHits.Add(ctx, 1)
}

// ObserveQueueDepth moves the queue-depth gauge to an absolute value.
func (p *Provider) ObserveQueueDepth(ctx context.Context, depth int) {
	if p.queueDepth == nil {
		return
	}
	p.depthMu.Lock()
	delta := int64(depth) - p.lastSeenDepth
	p.lastSeenDepth = int64(depth)
	p.depthMu.Unlock()
	if delta != 0 {
		p.queueDepth.Add(ctx, delta)
	}
}

// TrackInflight bumps the in-flight gauge for clientKey and returns the
// closure that releases it.
func (p *Provider) TrackInflight(ctx context.Context, clientKey string) func() {
	if p.inflight == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("client_key", clientKey))
	p.inflight.Add(ctx, 1, attrs)
	return func() { p.inflight.Add(ctx, -1, attrs) }
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("relaymesh.gatehouse")
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
