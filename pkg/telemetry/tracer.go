package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer with seqsynth span helpers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration. Spans from a
// disabled tracer are recorded by a provider without exporters.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	return newTracer(cfg, serviceName, serviceVersion, os.Stderr)
}

func newTracer(cfg TracingConfig, serviceName, serviceVersion string, stdout io.Writer) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case "none":
		// Spans are recorded but never exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{}
		if cfg.MaxExportBatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
		}
		if cfg.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a new span with the given name and attributes.
func (t *Tracer) Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a fuzzing run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, library string) (context.Context, trace.Span) {
	return t.Start(ctx, "fuzz.run",
		AttrRunID.String(runID),
		AttrLibrary.String(library),
	)
}

// StartSynthesisSpan starts a span around one synthesis.
func (t *Tracer) StartSynthesisSpan(ctx context.Context, library string, seed int64) (context.Context, trace.Span) {
	return t.Start(ctx, "synthesize",
		AttrLibrary.String(library),
		AttrSeed.Int64(seed),
	)
}

// WrapOracle returns an oracle that records one span per scoring call.
func (t *Tracer) WrapOracle(oracle engine.Oracle) engine.Oracle {
	return &tracedOracle{oracle: oracle, tracer: t}
}

type tracedOracle struct {
	oracle engine.Oracle
	tracer *Tracer
}

func (o *tracedOracle) Name() string {
	return o.oracle.Name()
}

func (o *tracedOracle) Score(ctx context.Context, seq engine.Sequence) (*engine.QualityRecord, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.score",
		AttrLibrary.String(seq.Library),
		AttrOracle.String(o.oracle.Name()),
		AttrCalls.Int(seq.Len()),
	)
	defer span.End()

	q, err := o.oracle.Score(ctx, seq)
	if err != nil {
		if fault, ok := engine.AsFault(err); ok {
			span.SetAttributes(AttrFaultKind.String(string(fault.Kind)))
		}
		RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		AttrBranches.Int(len(q.UniqueBranches)),
		AttrScore.Float64(q.Score()),
	)
	RecordSuccess(span)
	return q, nil
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys used on seqsynth spans.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrLibrary   = attribute.Key("library")
	AttrSeed      = attribute.Key("synth.seed")
	AttrOracle    = attribute.Key("oracle.name")
	AttrCalls     = attribute.Key("sequence.calls")
	AttrBranches  = attribute.Key("quality.branches")
	AttrScore     = attribute.Key("quality.score")
	AttrFaultKind = attribute.Key("fault.kind")
	AttrRunStatus = attribute.Key("run.status")
)
