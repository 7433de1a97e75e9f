package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// fakeOracle returns a fixed record or error.
type fakeOracle struct {
	q   *engine.QualityRecord
	err error
}

func (o *fakeOracle) Name() string { return "fake" }

func (o *fakeOracle) Score(context.Context, engine.Sequence) (*engine.QualityRecord, error) {
	return o.q, o.err
}

func recordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestWrapOracle_RecordsSpan(t *testing.T) {
	tracer, recorder := recordingTracer()
	q := &engine.QualityRecord{Density: 1, UniqueBranches: map[string]int{"a": 1, "b": 2}}
	oracle := tracer.WrapOracle(&fakeOracle{q: q})

	if oracle.Name() != "fake" {
		t.Errorf("Expected wrapped name, got %q", oracle.Name())
	}
	seq := engine.Sequence{Library: "zlib", Calls: []engine.Call{{Op: "zlibVersion"}}}
	got, err := oracle.Score(context.Background(), seq)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != q {
		t.Error("Expected the inner record back")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "oracle.score" {
		t.Errorf("Expected span oracle.score, got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("Expected ok status, got %v", span.Status())
	}
	attrs := map[string]interface{}{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["library"] != "zlib" {
		t.Errorf("Expected library attribute zlib, got %v", attrs["library"])
	}
	if attrs["quality.branches"] != int64(2) {
		t.Errorf("Expected 2 branches, got %v", attrs["quality.branches"])
	}
}

func TestWrapOracle_RecordsFault(t *testing.T) {
	tracer, recorder := recordingTracer()
	fault := &engine.ExecutionFault{Kind: engine.FaultCrash, Reason: "SIGSEGV", ExitCode: -1}
	oracle := tracer.WrapOracle(&fakeOracle{err: fault})

	_, err := oracle.Score(context.Background(), engine.Sequence{Library: "zlib"})
	if !errors.Is(err, fault) {
		t.Fatalf("Expected the fault back, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == AttrFaultKind && kv.Value.AsString() == "crash" {
			found = true
		}
	}
	if !found {
		t.Error("Expected fault.kind attribute")
	}
}

func TestNewTracer_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TracingConfig
		wantErr bool
	}{
		{"disabled", TracingConfig{}, false},
		{"none", TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, false},
		{"stdout", TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown", TracingConfig{Enabled: true, Exporter: "jaeger", SamplingRate: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tracer, err := newTracer(tt.cfg, "seqsynth", "test", &buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil {
				return
			}
			_, span := tracer.StartSynthesisSpan(context.Background(), "zlib", 7)
			span.End()
			if err := tracer.Shutdown(context.Background()); err != nil {
				t.Errorf("Failed to shut down: %v", err)
			}
			if tt.cfg.Exporter == "stdout" && !bytes.Contains(buf.Bytes(), []byte(`"synthesize"`)) {
				t.Errorf("Expected the span on stdout, got %s", buf.String())
			}
		})
	}
}
