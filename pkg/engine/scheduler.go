package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FuzzerConfig controls a fuzzing run.
type FuzzerConfig struct {
	// Workers is the number of concurrent synthesis and scoring workers.
	Workers int `json:"workers" yaml:"workers"`

	// SamplesPerRound is the number of fresh sequences synthesized per round.
	SamplesPerRound int `json:"samples_per_round" yaml:"samples_per_round"`

	// CombinationsPerRound is the number of crossovers attempted per round.
	CombinationsPerRound int `json:"combinations_per_round" yaml:"combinations_per_round"`

	// ParentPool limits parent selection to the best-weighted entries. Zero means all.
	ParentPool int `json:"parent_pool" yaml:"parent_pool"`

	// MaxRounds stops the run after this many rounds. Zero means no limit.
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`

	// QuietRounds stops the run after this many consecutive rounds without new branches.
	QuietRounds int `json:"quiet_rounds" yaml:"quiet_rounds"`

	// ScoreTimeout bounds one oracle invocation.
	ScoreTimeout time.Duration `json:"score_timeout" yaml:"score_timeout"`

	// Seed makes a run reproducible.
	Seed int64 `json:"seed" yaml:"seed"`

	// Recheck re-scores the corpus at the end of the run and drops unstable entries.
	Recheck bool `json:"recheck" yaml:"recheck"`

	// DisablePowerSchedule ignores corpus energies when ranking.
	DisablePowerSchedule bool `json:"disable_power_schedule" yaml:"disable_power_schedule"`

	// Synth tunes every synthesis.
	Synth SynthesizerConfig `json:"synth" yaml:"synth"`
}

// DefaultFuzzerConfig returns the default run configuration.
func DefaultFuzzerConfig() FuzzerConfig {
	return FuzzerConfig{
		Workers:              4,
		SamplesPerRound:      16,
		CombinationsPerRound: 8,
		QuietRounds:          3,
		MaxRounds:            50,
		ScoreTimeout:         DefaultExecutionTimeout,
		Seed:                 1,
		Synth:                DefaultSynthesizerConfig(),
	}
}

// Fuzzer drives rounds of parallel synthesis, scoring, gating and combination
// against one corpus. Workers share the read-only catalog and the corpus;
// every synthesis owns its tracker.
type Fuzzer struct {
	catalog  *Catalog
	corpus   *Corpus
	oracle   Oracle
	ranker   Ranker
	gate     Gate
	events   EventPublisher
	observer Observer
	config   FuzzerConfig
	logger   zerolog.Logger
	runID    string

	mu      sync.Mutex
	summary RunSummary
}

// FuzzerOption configures a Fuzzer.
type FuzzerOption func(*Fuzzer)

// WithRanker sets the ranking policy.
func WithRanker(r Ranker) FuzzerOption {
	return func(f *Fuzzer) { f.ranker = r }
}

// WithGate sets the admission gate.
func WithGate(g Gate) FuzzerOption {
	return func(f *Fuzzer) { f.gate = g }
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) FuzzerOption {
	return func(f *Fuzzer) { f.events = p }
}

// WithObserver sets the measurement sink.
func WithObserver(o Observer) FuzzerOption {
	return func(f *Fuzzer) { f.observer = o }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) FuzzerOption {
	return func(f *Fuzzer) { f.runID = id }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) FuzzerOption {
	return func(f *Fuzzer) { f.logger = l }
}

// NewFuzzer creates a fuzzer. The catalog is validated here: an inconsistent
// catalog is returned as a fatal error before any worker starts.
func NewFuzzer(catalog *Catalog, corpus *Corpus, oracle Oracle, config FuzzerConfig, opts ...FuzzerOption) (*Fuzzer, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if corpus == nil || oracle == nil {
		return nil, NewPermanentError("fuzzer requires a corpus and an oracle", nil)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.SamplesPerRound < 0 || config.CombinationsPerRound < 0 {
		return nil, NewPermanentError("negative per-round counts", nil)
	}

	f := &Fuzzer{
		catalog:  catalog,
		corpus:   corpus,
		oracle:   oracle,
		config:   config,
		observer: nopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "fuzzer").Str("library", catalog.Library).Logger()
	return f, nil
}

// Run executes rounds until convergence, the round limit or cancellation.
// Cancellation is not an error: the summary reports RunStatusCancelled.
func (f *Fuzzer) Run(ctx context.Context) (*RunSummary, error) {
	runID := f.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	f.mu.Lock()
	f.summary = RunSummary{
		RunID:     runID,
		Library:   f.catalog.Library,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	f.mu.Unlock()

	f.logger.Info().Str("run_id", runID).Str("oracle", f.oracle.Name()).Msg("Run started")
	f.publish(ctx, EventTypeRunStarted, "", "Run started", "info", nil)

	status := RunStatusCompleted
	quiet := 0
	var runErr error
	for round := 1; f.config.MaxRounds == 0 || round <= f.config.MaxRounds; round++ {
		if ctx.Err() != nil {
			status = RunStatusCancelled
			break
		}

		fresh, err := f.runRound(ctx, round)
		f.mu.Lock()
		f.summary.Rounds = round
		f.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil && !IsFatal(err) {
				status = RunStatusCancelled
				break
			}
			status = RunStatusFailed
			runErr = err
			break
		}

		if fresh == 0 {
			quiet++
		} else {
			quiet = 0
		}
		f.logger.Info().Int("round", round).Int("new_branches", fresh).Int("corpus", f.corpus.Len()).Msg("Round completed")
		f.publish(ctx, EventTypeRoundCompleted, "", fmt.Sprintf("Round %d completed", round), "info",
			map[string]interface{}{"round": round, "new_branches": fresh})

		if f.config.QuietRounds > 0 && quiet >= f.config.QuietRounds {
			status = RunStatusConverged
			break
		}
	}
	if status == RunStatusCompleted && ctx.Err() != nil {
		status = RunStatusCancelled
	}

	if runErr == nil && status != RunStatusCancelled && f.config.Recheck {
		dropped, err := f.corpus.Recheck(ctx, f.oracle)
		if err != nil && IsFatal(err) {
			status, runErr = RunStatusFailed, err
		}
		f.mu.Lock()
		f.summary.Rechecked = dropped
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.summary.Status = status
	f.summary.CompletedAt = time.Now()
	f.summary.Branches = len(f.corpus.Coverage())
	summary := f.summary
	f.mu.Unlock()

	if runErr != nil {
		f.logger.Error().Err(runErr).Str("run_id", runID).Msg("Run failed")
		f.publish(context.WithoutCancel(ctx), EventTypeRunFailed, "", runErr.Error(), "error", nil)
		return &summary, runErr
	}
	f.logger.Info().Str("run_id", runID).Str("status", string(status)).
		Int("entries", f.corpus.Len()).Int("branches", summary.Branches).Msg("Run finished")
	f.publish(context.WithoutCancel(ctx), EventTypeRunCompleted, "", fmt.Sprintf("Run %s", status), "info", nil)
	return &summary, nil
}

// runRound synthesizes and scores fresh samples with a worker pool, then runs
// the combinations. It returns the number of branches new to the corpus.
func (f *Fuzzer) runRound(ctx context.Context, round int) (int, error) {
	synthCfg := f.config.Synth
	if !f.config.DisablePowerSchedule && f.corpus.Len() > 0 {
		synthCfg.Energies = f.corpus.Energies()
	}
	synth := NewSynthesizer(f.catalog, f.ranker, synthCfg, f.logger)

	workQueue := make(chan int64, f.config.SamplesPerRound)
	for i := 0; i < f.config.SamplesPerRound; i++ {
		workQueue <- f.config.Seed*1_000_003 + int64(round)*10_007 + int64(i)
	}
	close(workQueue)

	var (
		wg      sync.WaitGroup
		freshMu sync.Mutex
		fresh   int
	)
	errChan := make(chan error, f.config.Workers)

	for w := 0; w < f.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seed := range workQueue {
				if ctx.Err() != nil {
					return
				}
				res, err := synth.Synthesize(ctx, seed)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					f.count(func(s *RunSummary) { s.Discarded++ })
					f.observer.SynthesisFailed(f.catalog.Library)
					f.logger.Debug().Err(err).Int64("seed", seed).Msg("Synthesis discarded")
					continue
				}
				f.count(func(s *RunSummary) { s.Synthesized++ })
				f.observer.SequenceSynthesized(f.catalog.Library, res.Sequence.Len(), res.Backtracks, res.Rejections)

				n, err := f.evaluate(ctx, res.Sequence, nil, fmt.Sprintf("seed=%d", seed))
				if err != nil {
					errChan <- err
					return
				}
				freshMu.Lock()
				fresh += n
				freshMu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errChan)
	if err, ok := <-errChan; ok {
		return fresh, err
	}

	if f.config.CombinationsPerRound == 0 || f.corpus.Len() == 0 {
		return fresh, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.Workers)
	for i := 0; i < f.config.CombinationsPerRound; i++ {
		g.Go(func() error {
			child, comb, err := f.corpus.Breed(gctx, f.config.ParentPool, f.config.Synth.StepBudget)
			if err != nil {
				f.observer.CombinationAttempted(f.catalog.Library, false)
				if errors.Is(err, ErrCorpusEmpty) || gctx.Err() != nil {
					return nil
				}
				f.logger.Debug().Err(err).Msg("Combination discarded")
				return nil
			}
			f.observer.CombinationAttempted(f.catalog.Library, true)
			f.count(func(s *RunSummary) { s.Combinations++ })

			n, err := f.evaluate(gctx, child, comb, "")
			if err != nil {
				return err
			}
			freshMu.Lock()
			fresh += n
			freshMu.Unlock()
			return nil
		})
	}
	return fresh, g.Wait()
}

// evaluate scores one candidate and routes it: faults to the crash corpus or
// hung log, denied entries nowhere, everything else into the corpus. Only
// fatal errors are returned.
func (f *Fuzzer) evaluate(ctx context.Context, seq Sequence, comb *Combination, prompt string) (int, error) {
	scoreCtx := ctx
	cancel := func() {}
	if f.config.ScoreTimeout > 0 {
		scoreCtx, cancel = context.WithTimeout(ctx, f.config.ScoreTimeout)
	}
	start := time.Now()
	q, err := f.oracle.Score(scoreCtx, seq)
	cancel()
	elapsed := time.Since(start)
	f.observer.CandidateScored(f.catalog.Library, f.oracle.Name(), elapsed)

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = &ExecutionFault{Kind: FaultTimeout, ExitCode: -1, Duration: elapsed}
	}
	if err != nil {
		if fault, ok := AsFault(err); ok {
			return 0, f.recordFault(ctx, seq, comb, prompt, fault)
		}
		switch {
		case ctx.Err() != nil:
			return 0, nil
		case IsFatal(err):
			return 0, err
		case IsContractViolation(err):
			f.logger.Warn().Err(err).Msg("Oracle rejected a synthesized sequence")
			return 0, nil
		case errors.Is(err, ErrIncomplete):
			f.logger.Debug().Err(err).Msg("Candidate did not complete")
			return 0, nil
		default:
			f.logger.Warn().Err(err).Msg("Scoring failed")
			return 0, nil
		}
	}

	entry := Entry{
		Prompt:      prompt,
		Combination: comb,
		Score:       q.Score(),
		Quality:     *q,
		Sequence:    seq,
	}

	if f.gate != nil {
		ok, reasons, err := f.gate.Admit(ctx, entry)
		if err != nil {
			return 0, NewPermanentError("admission gate failed", err)
		}
		if !ok {
			f.count(func(s *RunSummary) { s.Denied++ })
			f.logger.Debug().Strs("reasons", reasons).Msg("Entry denied")
			f.publish(ctx, EventTypeEntryDenied, "", "Entry denied by policy", "warning",
				map[string]interface{}{"reasons": reasons})
			return 0, nil
		}
	}

	res, err := f.corpus.Insert(ctx, entry)
	if err != nil {
		if ctx.Err() != nil || IsContractViolation(err) || errors.Is(err, ErrEntryExists) {
			f.logger.Debug().Err(err).Msg("Entry not inserted")
			return 0, nil
		}
		return 0, NewPermanentError("corpus insert failed", err)
	}

	f.count(func(s *RunSummary) { s.Accepted++ })
	f.observer.CorpusUpdated(f.catalog.Library, f.corpus.Len(), len(f.corpus.Coverage()))
	f.publish(ctx, EventTypeEntryAccepted, res.Entry.ID, "Entry accepted", "info",
		map[string]interface{}{"score": res.Entry.Score, "new_branches": len(res.NewBranches)})
	return len(res.NewBranches), nil
}

func (f *Fuzzer) recordFault(ctx context.Context, seq Sequence, comb *Combination, prompt string, fault *ExecutionFault) error {
	rec := FaultRecord{Prompt: prompt, Combination: comb, Sequence: seq, Fault: *fault}
	var err error
	if fault.Kind == FaultTimeout {
		rec, err = f.corpus.RecordHang(ctx, rec)
		f.count(func(s *RunSummary) { s.Hangs++ })
	} else {
		rec, err = f.corpus.RecordCrash(ctx, rec)
		f.count(func(s *RunSummary) { s.Crashes++ })
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return NewPermanentError("failed to record fault", err)
	}
	f.observer.FaultRecorded(f.catalog.Library, fault.Kind)
	f.logger.Warn().Str("fault", rec.ID).Str("kind", string(fault.Kind)).Str("reason", fault.Reason).Msg("Execution fault")
	f.publish(ctx, EventTypeFaultRecorded, rec.ID, fault.Error(), "error",
		map[string]interface{}{"kind": string(fault.Kind)})
	return nil
}

func (f *Fuzzer) count(update func(*RunSummary)) {
	f.mu.Lock()
	update(&f.summary)
	f.mu.Unlock()
}

// publish publishes an event without blocking the run.
func (f *Fuzzer) publish(ctx context.Context, eventType EventType, entryID, message, level string, data map[string]interface{}) {
	if f.events == nil {
		return
	}
	f.mu.Lock()
	runID := f.summary.RunID
	f.mu.Unlock()

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Library:   f.catalog.Library,
		EntryID:   entryID,
		Message:   message,
		Level:     level,
		Data:      data,
	}
	if err := f.events.Publish(ctx, event); err != nil {
		f.logger.Debug().Err(err).Str("type", string(eventType)).Msg("Failed to publish event")
	}
}
