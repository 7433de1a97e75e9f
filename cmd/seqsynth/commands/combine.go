package commands

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/artifact"
	"github.com/seqsynth/seqsynth/pkg/engine"
)

func newCombineCommand() *cobra.Command {
	var (
		catalogRef string
		cutA       int
		cutB       int
		maxLen     int
		seed       int64
		id         string
		outFile    string
	)

	cmd := &cobra.Command{
		Use:   "combine <a> <b>",
		Short: "Combine two artifacts into a child sequence",
		Long: `Splice the prefix of artifact a onto the suffix of artifact b. Instances the
suffix uses are rebound to live instances of the prefix, every instance
left open is released, and the child is replayed from the start. A child
that does not replay is discarded and the command fails.

Without --cut-a and --cut-b, random cut pairs are tried until one yields a
valid child.`,
		Example: `  # Combine two corpus entries
  seqsynth combine out/succ/id_000003.c out/succ/id_000007.c

  # Combine at fixed cut points
  seqsynth combine --cut-a 2 --cut-b 1 a.c b.c`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, catalog, err := readArtifact(ctx, args[0], catalogRef)
			if err != nil {
				return err
			}
			b, _, err := readArtifact(ctx, args[1], catalogRef)
			if err != nil {
				return err
			}
			if a.Sequence.Library != b.Sequence.Library {
				return fmt.Errorf("cannot combine %s and %s sequences", a.Sequence.Library, b.Sequence.Library)
			}

			cuts := [][2]int{{cutA, cutB}}
			if cutA < 0 || cutB < 0 {
				rng := rand.New(rand.NewSource(seed))
				cuts = cuts[:0]
				for i := 0; i < engine.CombineAttempts; i++ {
					cuts = append(cuts, [2]int{
						1 + rng.Intn(max(1, a.Sequence.Len())),
						rng.Intn(max(1, b.Sequence.Len())),
					})
				}
			}

			var (
				child   engine.Sequence
				cut     [2]int
				lastErr error
			)
			for _, c := range cuts {
				child, lastErr = engine.Combine(catalog, a.Sequence, b.Sequence, c[0], c[1], maxLen)
				if lastErr == nil {
					cut = c
					break
				}
				log.Debug().Int("cut_a", c[0]).Int("cut_b", c[1]).Err(lastErr).Msg("Combination discarded")
			}
			if lastErr != nil {
				return fmt.Errorf("child discarded: %w", lastErr)
			}

			quality, err := engine.NewStaticOracle(catalog).Score(ctx, child)
			if err != nil {
				return err
			}
			entry := engine.Entry{
				ID:          id,
				Prompt:      a.Prompt,
				Combination: &engine.Combination{ParentA: a.ID, ParentB: b.ID, CutA: cut[0], CutB: cut[1]},
				Score:       quality.Score(),
				Quality:     *quality,
				Sequence:    child,
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entry)
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

	cmd.Flags().StringVar(&catalogRef, "catalog", "", "catalog name or CUE path (default: from the artifacts)")
	cmd.Flags().IntVar(&cutA, "cut-a", -1, "number of calls taken from a")
	cmd.Flags().IntVar(&cutB, "cut-b", -1, "first call taken from b")
	cmd.Flags().IntVar(&maxLen, "max-len", engine.MaxSequenceLen, "longest child allowed, cleanup included")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for cut selection")
	cmd.Flags().StringVar(&id, "id", engine.FormatEntryID(1), "identifier of the child artifact")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the artifact to a file instead of stdout")

	return cmd
}
