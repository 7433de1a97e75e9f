package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventBus(cfg.Events, logger.Zerolog())
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events").Zerolog()), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// FuzzerOptions wires metrics, events and the logger into a fuzzer.
func (t *Telemetry) FuzzerOptions() []engine.FuzzerOption {
	return []engine.FuzzerOption{
		engine.WithObserver(t.Metrics),
		engine.WithEventPublisher(t.Events),
		engine.WithLogger(t.Logger.Zerolog()),
	}
}

// RunScope tracks one fuzzing run across spans and metrics.
type RunScope struct {
	Ctx     context.Context
	Span    trace.Span
	Logger  *Logger
	library string
	start   time.Time
	tel     *Telemetry
}

// StartRun opens the run span and marks the run active.
func (t *Telemetry) StartRun(ctx context.Context, runID, library string) *RunScope {
	ctx, span := t.Tracer.StartRunSpan(ctx, runID, library)
	t.Metrics.RecordRunStarted()
	return &RunScope{
		Ctx:     ctx,
		Span:    span,
		Logger:  t.Logger.WithRunID(runID).WithLibrary(library),
		library: library,
		start:   time.Now(),
		tel:     t,
	}
}

// End closes the run span and records the outcome.
func (s *RunScope) End(summary *engine.RunSummary, err error) {
	status := engine.RunStatusFailed
	if summary != nil && err == nil {
		status = summary.Status
	}
	s.tel.Metrics.RecordRunCompleted(s.library, status, time.Since(s.start))
	if summary != nil {
		s.Span.SetAttributes(
			AttrBranches.Int(summary.Branches),
			AttrRunStatus.String(string(status)),
		)
	}
	if err != nil {
		RecordError(s.Span, err)
	} else {
		RecordSuccess(s.Span)
	}
	s.Span.End()
}

// Shutdown drains events, then flushes and stops tracing.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
