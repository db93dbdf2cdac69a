// Package observability provides OpenTelemetry tracing and metrics for the
// processor: OTLP export, document/receipt counters, and per-stage latency
// histograms.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry off; production
// deployments flip Enabled and point OTLPEndpoint at a collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "koi-processor",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers and the processor's
// instrument set.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	documents     metric.Int64Counter
	receipts      metric.Int64Counter
	errors        metric.Int64Counter
	stageDuration metric.Float64Histogram
	spendUSD      metric.Float64Counter
	activeDocs    metric.Int64UpDownCounter
}

// New creates the provider. When config.Enabled is false the returned
// provider is a no-op: spans come from the global (noop) tracer and all
// record methods are nil-safe.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("koi.component", "processor"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("koi.processor",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("koi.processor",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
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

	p.documents, err = p.meter.Int64Counter("koi.documents.total",
		metric.WithDescription("Documents submitted for processing"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	p.receipts, err = p.meter.Int64Counter("koi.receipts.total",
		metric.WithDescription("Receipts appended to the ledger"),
		metric.WithUnit("{receipt}"),
	)
	if err != nil {
		return err
	}

	p.errors, err = p.meter.Int64Counter("koi.errors.total",
		metric.WithDescription("Processing errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.stageDuration, err = p.meter.Float64Histogram("koi.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0, 600.0),
	)
	if err != nil {
		return err
	}

	p.spendUSD, err = p.meter.Float64Counter("koi.spend.usd",
		metric.WithDescription("Model spend in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return err
	}

	p.activeDocs, err = p.meter.Int64UpDownCounter("koi.documents.active",
		metric.WithDescription("Documents currently in the pipeline"),
		metric.WithUnit("{document}"),
	)
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("koi.processor")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter("koi.processor")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDocument counts one submitted document.
func (p *Provider) RecordDocument(ctx context.Context, attrs ...attribute.KeyValue) {
	if p != nil && p.documents != nil {
		p.documents.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordReceipt counts one appended receipt by operation.
func (p *Provider) RecordReceipt(ctx context.Context, operation string) {
	if p != nil && p.receipts != nil {
		p.receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("koi.operation", operation)))
	}
}

// RecordError counts a processing error.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p != nil && p.errors != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errors.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordSpend counts model spend against a budget category.
func (p *Provider) RecordSpend(ctx context.Context, category string, usd float64) {
	if p != nil && p.spendUSD != nil {
		p.spendUSD.Add(ctx, usd, metric.WithAttributes(attribute.String("koi.category", category)))
	}
}

// TrackDocument tracks a document from submission to completion. The
// returned function records duration and outcome; it must be called once.
// A nil provider is a no-op.
func (p *Provider) TrackDocument(ctx context.Context, rid string) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("koi.rid", rid)}

	ctx, span := p.StartSpan(ctx, "koi.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeDocs != nil {
		p.activeDocs.Add(ctx, 1)
	}
	p.RecordDocument(ctx, attrs...)

	return ctx, func(err error) {
		if p.activeDocs != nil {
			p.activeDocs.Add(ctx, -1)
		}
		if p.stageDuration != nil {
			p.stageDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("koi.stage", "document")))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// TrackStage records a pipeline stage's duration and outcome. A nil
// provider is a no-op.
func (p *Provider) TrackStage(ctx context.Context, stage string) func(error) {
	if p == nil {
		return func(error) {}
	}
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "koi.stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("koi.stage", stage)),
	)
	return func(err error) {
		if p.stageDuration != nil {
			p.stageDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("koi.stage", stage)))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attribute.String("koi.stage", stage))
		}
		span.End()
	}
}
