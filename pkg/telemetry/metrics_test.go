package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return m
}

func TestMetrics_Observer(t *testing.T) {
	m := newTestMetrics(t)

	m.SequenceSynthesized("zlib", 6, 2, 5)
	m.SequenceSynthesized("zlib", 4, 0, 1)
	m.SynthesisFailed("zlib")
	m.CandidateScored("zlib", "static", 3*time.Millisecond)
	m.FaultRecorded("zlib", engine.FaultCrash)
	m.FaultRecorded("zlib", engine.FaultTimeout)
	m.FaultRecorded("zlib", engine.FaultTimeout)
	m.CombinationAttempted("zlib", true)
	m.CombinationAttempted("zlib", false)
	m.CorpusUpdated("zlib", 7, 31)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"synthesized", testutil.ToFloat64(m.sequencesSynthesized.WithLabelValues("zlib")), 2},
		{"backtracks", testutil.ToFloat64(m.backtracks.WithLabelValues("zlib")), 2},
		{"rejections", testutil.ToFloat64(m.contractRejections.WithLabelValues("zlib")), 6},
		{"discarded", testutil.ToFloat64(m.synthesisDiscarded.WithLabelValues("zlib")), 1},
		{"crashes", testutil.ToFloat64(m.executionFaults.WithLabelValues("zlib", "crash")), 1},
		{"timeouts", testutil.ToFloat64(m.executionFaults.WithLabelValues("zlib", "timeout")), 2},
		{"valid combinations", testutil.ToFloat64(m.combinations.WithLabelValues("zlib", "valid")), 1},
		{"discarded combinations", testutil.ToFloat64(m.combinations.WithLabelValues("zlib", "discarded")), 1},
		{"entries", testutil.ToFloat64(m.corpusEntries.WithLabelValues("zlib")), 7},
		{"branches", testutil.ToFloat64(m.coveredBranches.WithLabelValues("zlib")), 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	if n := testutil.CollectAndCount(m.oracleDuration); n != 1 {
		t.Errorf("Expected 1 oracle duration series, got %d", n)
	}
}

func TestMetrics_Runs(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunStarted()
	m.RecordRunStarted()
	if got := testutil.ToFloat64(m.activeRuns); got != 2 {
		t.Errorf("Expected 2 active runs, got %v", got)
	}

	m.RecordRunCompleted("cJSON", engine.RunStatusConverged, time.Minute)
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("Expected 1 active run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("cJSON", "converged")); got != 1 {
		t.Errorf("Expected 1 converged run, got %v", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if m.Enabled() {
		t.Error("Expected disabled metrics")
	}

	// None of these may panic.
	m.SequenceSynthesized("zlib", 1, 1, 1)
	m.SynthesisFailed("zlib")
	m.CandidateScored("zlib", "static", time.Second)
	m.FaultRecorded("zlib", engine.FaultCrash)
	m.CombinationAttempted("zlib", true)
	m.CorpusUpdated("zlib", 1, 1)
	m.RecordRunStarted()
	m.RecordRunCompleted("zlib", engine.RunStatusCompleted, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.SequenceSynthesized("sqlite", 3, 0, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `seqsynth_sequences_synthesized_total{library="sqlite"} 1`) {
		t.Errorf("Expected synthesized counter in output, got:\n%s", body)
	}
}
