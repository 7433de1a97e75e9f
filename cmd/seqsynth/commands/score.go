package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/artifact"
	"github.com/seqsynth/seqsynth/pkg/engine"
)

func newScoreCommand() *cobra.Command {
	var catalogRef string

	cmd := &cobra.Command{
		Use:   "score <artifact>",
		Short: "Rescore an artifact with the static oracle",
		Long: `Parse a C test artifact, replay its sequence against the library's catalog
and print the quality record the static oracle computes for it.

The catalog is the built-in one named by the artifact's test function
unless --catalog is given. A sequence that no longer replays is an error.`,
		Example: `  # Rescore a corpus artifact
  seqsynth score out/succ/id_000012.c

  # Rescore against an edited catalog
  seqsynth score --catalog ./catalogs/zlib.cue id_000012.c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			entry, catalog, err := readArtifact(ctx, args[0], catalogRef)
			if err != nil {
				return err
			}
			quality, err := engine.NewStaticOracle(catalog).Score(ctx, entry.Sequence)
			if err != nil {
				return fmt.Errorf("failed to score %s: %w", args[0], err)
			}

			if !quality.SameCoverage(entry.Quality) {
				log.Warn().
					Str("artifact", args[0]).
					Int("recorded", len(entry.Quality.UniqueBranches)).
					Int("rescored", len(quality.UniqueBranches)).
					Msg("Coverage differs from the recorded quality")
			}
			return writeJSON(cmd.OutOrStdout(), quality)
		},
	}

	cmd.Flags().StringVar(&catalogRef, "catalog", "", "catalog name or CUE path (default: from the artifact)")

	return cmd
}

// readArtifact parses an artifact file and loads the catalog it is checked
// against.
func readArtifact(ctx context.Context, path, catalogRef string) (engine.Entry, *engine.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Entry{}, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	entry, err := artifact.Parse(data)
	if err != nil {
		return engine.Entry{}, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	ref := catalogRef
	if ref == "" {
		ref = entry.Sequence.Library
	}
	catalog, err := resolveCatalog(ctx, ref)
	if err != nil {
		return engine.Entry{}, nil, err
	}
	if catalog.Library != entry.Sequence.Library {
		return engine.Entry{}, nil, fmt.Errorf("artifact %s targets %s, catalog describes %s",
			path, entry.Sequence.Library, catalog.Library)
	}
	return entry, catalog, nil
}
