package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// Metrics provides Prometheus metrics for seqsynth. It implements engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Synthesis metrics
	sequencesSynthesized *prometheus.CounterVec
	synthesisDiscarded   *prometheus.CounterVec
	sequenceLength       *prometheus.HistogramVec
	backtracks           *prometheus.CounterVec
	contractRejections   *prometheus.CounterVec

	// Scoring metrics
	oracleDuration  *prometheus.HistogramVec
	executionFaults *prometheus.CounterVec
	combinations    *prometheus.CounterVec

	// Corpus metrics
	corpusEntries   *prometheus.GaugeVec
	coveredBranches *prometheus.GaugeVec

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sequencesSynthesized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequences_synthesized_total",
				Help:      "Total number of sequences that completed synthesis",
			},
			[]string{"library"},
		),
		synthesisDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syntheses_discarded_total",
				Help:      "Total number of syntheses that exhausted backtracking",
			},
			[]string{"library"},
		),
		sequenceLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sequence_length_calls",
				Help:      "Number of calls in synthesized sequences",
				Buckets:   prometheus.LinearBuckets(2, 2, 10),
			},
			[]string{"library"},
		),
		backtracks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backtracks_total",
				Help:      "Total number of synthesis backtracks",
			},
			[]string{"library"},
		),
		contractRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contract_rejections_total",
				Help:      "Total number of candidate calls rejected by the lifecycle tracker",
			},
			[]string{"library"},
		),

		oracleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_duration_seconds",
				Help:      "Duration of coverage oracle invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"library", "oracle"},
		),
		executionFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_faults_total",
				Help:      "Total number of crashes and timeouts",
			},
			[]string{"library", "kind"},
		),
		combinations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "combinations_total",
				Help:      "Total number of crossover attempts",
			},
			[]string{"library", "result"},
		),

		corpusEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "corpus_entries",
				Help:      "Current number of corpus entries",
			},
			[]string{"library"},
		),
		coveredBranches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "covered_branches",
				Help:      "Current number of distinct branches covered by the corpus",
			},
			[]string{"library"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of finished fuzzing runs",
			},
			[]string{"library", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of fuzzing runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"library", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.sequencesSynthesized,
		m.synthesisDiscarded,
		m.sequenceLength,
		m.backtracks,
		m.contractRejections,
		m.oracleDuration,
		m.executionFaults,
		m.combinations,
		m.corpusEntries,
		m.coveredBranches,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// SequenceSynthesized implements engine.Observer.
func (m *Metrics) SequenceSynthesized(library string, calls, backtracks, rejections int) {
	if !m.Enabled() {
		return
	}
	m.sequencesSynthesized.WithLabelValues(library).Inc()
	m.sequenceLength.WithLabelValues(library).Observe(float64(calls))
	m.backtracks.WithLabelValues(library).Add(float64(backtracks))
	m.contractRejections.WithLabelValues(library).Add(float64(rejections))
}

// SynthesisFailed implements engine.Observer.
func (m *Metrics) SynthesisFailed(library string) {
	if !m.Enabled() {
		return
	}
	m.synthesisDiscarded.WithLabelValues(library).Inc()
}

// CandidateScored implements engine.Observer.
func (m *Metrics) CandidateScored(library, oracle string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.oracleDuration.WithLabelValues(library, oracle).Observe(d.Seconds())
}

// FaultRecorded implements engine.Observer.
func (m *Metrics) FaultRecorded(library string, kind engine.FaultKind) {
	if !m.Enabled() {
		return
	}
	m.executionFaults.WithLabelValues(library, string(kind)).Inc()
}

// CombinationAttempted implements engine.Observer.
func (m *Metrics) CombinationAttempted(library string, accepted bool) {
	if !m.Enabled() {
		return
	}
	result := "discarded"
	if accepted {
		result = "valid"
	}
	m.combinations.WithLabelValues(library, result).Inc()
}

// CorpusUpdated implements engine.Observer.
func (m *Metrics) CorpusUpdated(library string, entries, branches int) {
	if !m.Enabled() {
		return
	}
	m.corpusEntries.WithLabelValues(library).Set(float64(entries))
	m.coveredBranches.WithLabelValues(library).Set(float64(branches))
}

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if !m.Enabled() {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(library string, status engine.RunStatus, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(library, string(status)).Inc()
	m.runDuration.WithLabelValues(library, string(status)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Registry returns the registry holding every seqsynth collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done. It returns
// immediately when metrics are disabled or no listen address is set.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
