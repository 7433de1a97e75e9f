package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/artifact"
	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/telemetry"
)

func newSynthCommand() *cobra.Command {
	var (
		lib     catalogFlags
		seed    int64
		budget  int
		prompt  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize one API sequence",
		Long: `Synthesize a single call sequence for a library and print it as a C test
artifact. The sequence is scored with the static oracle, so the artifact's
quality line reflects the catalog's declared branches.

The same seed, catalog and ranking always produce the same sequence.`,
		Example: `  # Synthesize a cJSON sequence
  seqsynth synth --library cJSON

  # Reproduce a sequence with a tighter step budget
  seqsynth synth --library zlib --seed 42 --budget 12

  # Synthesize from a custom catalog
  seqsynth synth --catalog ./catalogs/tree.cue -o tree.c`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadRunConfig()
			if err != nil {
				return err
			}
			lib.apply(cfg)
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Fuzz.Seed
			}

			catalog, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()
			logger := tel.Logger.NewComponentLogger("synthesizer").Zerolog()

			ranker, err := config.BuildRanker(ctx, cfg.Ranking, logger)
			if err != nil {
				return err
			}
			synthCfg := cfg.FuzzerConfig().Synth
			if budget > 0 {
				synthCfg.StepBudget = budget
			}

			spanCtx, span := tel.Tracer.StartSynthesisSpan(ctx, catalog.Library, seed)
			res, err := engine.NewSynthesizer(catalog, ranker, synthCfg, logger).Synthesize(spanCtx, seed)
			if err != nil {
				telemetry.RecordError(span, err)
				span.End()
				tel.Metrics.SynthesisFailed(catalog.Library)
				return fmt.Errorf("synthesis failed: %w", err)
			}
			telemetry.RecordSuccess(span)
			span.End()
			tel.Metrics.SequenceSynthesized(catalog.Library, res.Sequence.Len(), res.Backtracks, res.Rejections)

			quality, err := engine.NewStaticOracle(catalog).Score(ctx, res.Sequence)
			if err != nil {
				return err
			}
			entry := engine.Entry{
				ID:       engine.FormatEntryID(1),
				Prompt:   prompt,
				Score:    quality.Score(),
				Quality:  *quality,
				Sequence: res.Sequence,
			}

			log.Debug().
				Str("library", catalog.Library).
				Int64("seed", seed).
				Int("calls", res.Sequence.Len()).
				Int("backtracks", res.Backtracks).
				Int("rejections", res.Rejections).
				Msg("Sequence synthesized")

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"entry":      entry,
					"backtracks": res.Backtracks,
					"rejections": res.Rejections,
				})
			}

			out, err := artifact.Emit(entry, catalog)
			if err != nil {
				return err
			}
			if outFile != "" {
				return os.WriteFile(outFile, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	lib.register(cmd)
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (default: the run config seed)")
	cmd.Flags().IntVar(&budget, "budget", 0, "maximum number of calls, cleanup included")
	cmd.Flags().StringVar(&prompt, "prompt", "", "generation tag recorded in the artifact")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the artifact to a file instead of stdout")

	return cmd
}
