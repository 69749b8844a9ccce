// Package observability wires structured logging and optional OpenTelemetry
// export for the engine. Tracing and metrics follow the RED pattern over the
// engine's own operations: brain cycles, journal appends, producer runs, and
// order submissions.
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
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/b1e55ed/engine/pkg/config"
)

const instrumentationName = "b1e55ed.engine"

// NewLogger builds the process logger from config. JSON output is for
// machine collection; text is the operator default.
func NewLogger(cfg config.Logging) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSONOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Provider owns the OTLP trace and metric pipelines. A disabled provider is
// fully functional: every record call is a no-op.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *slog.Logger

	cycleCounter    metric.Int64Counter
	eventCounter    metric.Int64Counter
	tradeCounter    metric.Int64Counter
	errorCounter    metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	producerRuns    metric.Int64Counter
	convictionGauge metric.Float64Histogram
}

// New builds a provider from the telemetry config. When disabled, the
// returned provider records nothing and Shutdown is a no-op.
func New(ctx context.Context, cfg config.Telemetry, serviceVersion string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{log: log.With("component", "observability")}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("b1e55ed-engine"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(serviceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(serviceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.log.InfoContext(ctx, "telemetry enabled", "endpoint", cfg.Endpoint)
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.cycleCounter, err = p.meter.Int64Counter("engine.cycles.total",
		metric.WithDescription("Brain cycles completed"),
		metric.WithUnit("{cycle}")); err != nil {
		return err
	}
	if p.eventCounter, err = p.meter.Int64Counter("engine.journal.events.total",
		metric.WithDescription("Events appended to the journal"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.tradeCounter, err = p.meter.Int64Counter("engine.trades.total",
		metric.WithDescription("Trade intents submitted to the OMS"),
		metric.WithUnit("{trade}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("engine.errors.total",
		metric.WithDescription("Errors by subsystem"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.cycleDuration, err = p.meter.Float64Histogram("engine.cycle.duration",
		metric.WithDescription("Brain cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return err
	}
	if p.producerRuns, err = p.meter.Int64Counter("engine.producer.runs.total",
		metric.WithDescription("Producer runs by health outcome"),
		metric.WithUnit("{run}")); err != nil {
		return err
	}
	if p.convictionGauge, err = p.meter.Float64Histogram("engine.conviction.final",
		metric.WithDescription("Final conviction score distribution"),
		metric.WithUnit("1")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the engine tracer, falling back to the global one when
// telemetry is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartCycle opens a span for one brain cycle and returns a closer that
// records duration and outcome.
func (p *Provider) StartCycle(ctx context.Context, cycleID string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "brain.cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cycle.id", cycleID)))

	return ctx, func(err error) {
		if p.cycleCounter != nil {
			p.cycleCounter.Add(ctx, 1)
		}
		if p.cycleDuration != nil {
			p.cycleDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, "brain", err)
		}
		span.End()
	}
}

// RecordAppend counts events committed to the journal.
func (p *Provider) RecordAppend(ctx context.Context, eventType string, n int) {
	if p.eventCounter != nil {
		p.eventCounter.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("event.type", eventType)))
	}
}

// RecordTrade counts one OMS submission by outcome.
func (p *Provider) RecordTrade(ctx context.Context, symbol string, approved bool) {
	if p.tradeCounter != nil {
		p.tradeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.Bool("approved", approved)))
	}
}

// RecordConviction records a final conviction score.
func (p *Provider) RecordConviction(ctx context.Context, symbol string, final float64) {
	if p.convictionGauge != nil {
		p.convictionGauge.Record(ctx, final,
			metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

// RecordProducerRun counts one producer run by health.
func (p *Provider) RecordProducerRun(ctx context.Context, producer, health string) {
	if p.producerRuns != nil {
		p.producerRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("producer", producer),
			attribute.String("health", health)))
	}
}

// RecordError counts one error by subsystem.
func (p *Provider) RecordError(ctx context.Context, subsystem string, err error) {
	if p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subsystem", subsystem),
			attribute.String("error.type", fmt.Sprintf("%T", err))))
	}
}
