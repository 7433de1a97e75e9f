package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/policy"
	"github.com/seqsynth/seqsynth/pkg/stores"
)

func newFuzzCommand() *cobra.Command {
	var (
		lib     catalogFlags
		rounds  int
		workers int
		oracle  string
		dbPath  string
		seed    int64
		export  bool
	)

	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run the synthesis and combination loop",
		Long: `Run rounds of parallel synthesis, scoring and combination against the
persistent corpus of a library. Accepted entries, crashes and hangs are
stored in the corpus database as they are found, so an interrupted run
loses nothing and the next run resumes from the stored corpus.

The run stops after the configured number of rounds, after enough rounds
without new branches, or on interrupt.`,
		Example: `  # Fuzz cJSON with the static oracle
  seqsynth fuzz --library cJSON --rounds 20

  # Execute candidates through the runner, as configured in run.yaml
  seqsynth fuzz -c run.yaml --oracle exec --workers 8

  # Fuzz and export the corpus as C artifacts
  seqsynth fuzz --library zlib --db zlib.db --export`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig()
			if err != nil {
				return err
			}
			lib.apply(cfg)
			flags := cmd.Flags()
			if flags.Changed("rounds") {
				cfg.Fuzz.MaxRounds = rounds
			}
			if flags.Changed("workers") {
				cfg.Fuzz.Workers = workers
			}
			if flags.Changed("oracle") {
				cfg.Oracle.Kind = oracle
			}
			if flags.Changed("db") {
				cfg.Database = dbPath
			}
			if flags.Changed("seed") {
				cfg.Fuzz.Seed = seed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			summary, err := runFuzz(cmd.Context(), cfg)
			if summary != nil {
				if werr := printSummary(cmd.OutOrStdout(), summary); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if export {
				return exportLibrary(cmd.Context(), cmd.OutOrStdout(), cfg, cfg.OutputDir)
			}
			return nil
		},
	}

	lib.register(cmd)
	cmd.Flags().IntVar(&rounds, "rounds", 0, "maximum number of rounds, 0 for no limit")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent synthesis and scoring workers")
	cmd.Flags().StringVar(&oracle, "oracle", "", "coverage oracle: static, exec or wasm")
	cmd.Flags().StringVar(&dbPath, "db", "", "corpus database path")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().BoolVar(&export, "export", false, "export the corpus to the output directory after the run")

	return cmd
}

// runFuzz wires the store, telemetry, policy gate and oracle around one
// fuzzing run of cfg's library.
func runFuzz(ctx context.Context, cfg *config.RunConfig) (*engine.RunSummary, error) {
	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The store outlives telemetry so queued events still reach it.
	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()
	logger := tel.Logger.WithLibrary(catalog.Library).Zerolog()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go func() {
		if err := tel.Metrics.Serve(metricsCtx, logger); err != nil {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	tel.Events.AddSink(store)

	ranker, err := config.BuildRanker(ctx, cfg.Ranking, logger)
	if err != nil {
		return nil, err
	}

	corpus, err := restoreCorpus(ctx, store, catalog, cfg.Fuzz.Seed, logger)
	if err != nil {
		return nil, err
	}

	oracle, closeOracle, err := buildOracle(ctx, cfg, catalog, logger)
	if err != nil {
		return nil, err
	}
	defer closeOracle()

	runID := uuid.New().String()
	opts := append(tel.FuzzerOptions(), engine.WithRanker(ranker), engine.WithRunID(runID))
	if cfg.Policy.Enabled {
		gate, closeGate, err := buildGate(ctx, cfg, catalog, logger)
		if err != nil {
			return nil, err
		}
		defer closeGate()
		opts = append(opts, engine.WithGate(gate))
	}

	fuzzer, err := engine.NewFuzzer(catalog, corpus, tel.Tracer.WrapOracle(oracle), cfg.FuzzerConfig(), opts...)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}
	if err := store.CreateRun(ctx, &stores.RunRecord{ID: runID, Library: catalog.Library, Config: string(encoded)}); err != nil {
		return nil, err
	}

	scope := tel.StartRun(ctx, runID, catalog.Library)
	summary, runErr := fuzzer.Run(scope.Ctx)
	scope.End(summary, runErr)

	if err := store.FinishRun(context.WithoutCancel(ctx), runID, summary, runErr); err != nil {
		logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record run result")
	}
	return summary, runErr
}

// restoreCorpus loads the stored entries and faults of a library into a corpus
// that persists to store.
func restoreCorpus(ctx context.Context, store *stores.SQLiteStore, catalog *engine.Catalog, seed int64, logger zerolog.Logger) (*engine.Corpus, error) {
	corpus := engine.NewCorpus(catalog,
		engine.WithPersister(store),
		engine.WithCorpusLogger(logger),
		engine.WithCorpusSeed(seed),
	)

	entries, err := store.ListEntries(ctx, catalog.Library)
	if err != nil {
		return nil, err
	}
	if err := corpus.Restore(entries); err != nil {
		return nil, fmt.Errorf("failed to restore corpus: %w", err)
	}
	faults, err := store.ListFaults(ctx, catalog.Library, "")
	if err != nil {
		return nil, err
	}
	corpus.RestoreFaults(faults)

	if len(entries) > 0 || len(faults) > 0 {
		logger.Info().Int("entries", len(entries)).Int("faults", len(faults)).Msg("Corpus restored")
	}
	return corpus, nil
}

func buildGate(ctx context.Context, cfg *config.RunConfig, catalog *engine.Catalog, logger zerolog.Logger) (engine.Gate, func(), error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, nil, err
	}
	closeGate := func() { _ = eng.Close() }

	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			closeGate()
			return nil, nil, err
		}
		if cfg.Policy.Watch {
			if err := eng.Watch(ctx, cfg.Policy.Paths); err != nil {
				closeGate()
				return nil, nil, err
			}
		}
	}

	params := policy.Params{MaxLength: cfg.MaxLength(), Ban: cfg.Ban}
	return policy.NewGate(eng, catalog, params, logger), closeGate, nil
}

func printSummary(w io.Writer, s *engine.RunSummary) error {
	if jsonOutput {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "Run %s (%s): %s\n", s.RunID, s.Library, s.Status)
	fmt.Fprintf(w, "  rounds:       %d\n", s.Rounds)
	fmt.Fprintf(w, "  synthesized:  %d (discarded %d)\n", s.Synthesized, s.Discarded)
	fmt.Fprintf(w, "  accepted:     %d (denied %d)\n", s.Accepted, s.Denied)
	fmt.Fprintf(w, "  combinations: %d\n", s.Combinations)
	fmt.Fprintf(w, "  crashes:      %d\n", s.Crashes)
	fmt.Fprintf(w, "  hangs:        %d\n", s.Hangs)
	fmt.Fprintf(w, "  branches:     %d\n", s.Branches)
	if len(s.Rechecked) > 0 {
		fmt.Fprintf(w, "  rechecked:    %d dropped\n", len(s.Rechecked))
	}
	return nil
}
