package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/artifact"
	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/stores"
)

// Export directories under the output directory.
const (
	succDir  = "succ"
	crashDir = "crash"
	hangDir  = "hang"
)

func newCorpusCommand() *cobra.Command {
	var (
		lib    catalogFlags
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect and maintain stored corpora",
		Long: `Inspect and maintain the corpora stored in a corpus database.

The database defaults to the one named by the run config.`,
	}

	cmd.PersistentFlags().StringVarP(&lib.library, "library", "l", "", "built-in catalog name")
	cmd.PersistentFlags().StringVar(&lib.catalog, "catalog", "", "CUE catalog file or directory")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "corpus database path")

	// corpusConfig applies the group's flags to the run config.
	corpusConfig := func(cmd *cobra.Command) (*config.RunConfig, error) {
		cfg, err := loadRunConfig()
		if err != nil {
			return nil, err
		}
		lib.apply(cfg)
		if dbPath != "" {
			cfg.Database = dbPath
		}
		return cfg, nil
	}

	cmd.AddCommand(newCorpusListCommand(corpusConfig, &lib))
	cmd.AddCommand(newCorpusExportCommand(corpusConfig))
	cmd.AddCommand(newCorpusMinimizeCommand(corpusConfig))
	cmd.AddCommand(newCorpusRunsCommand(corpusConfig))

	return cmd
}

type corpusConfigFunc func(cmd *cobra.Command) (*config.RunConfig, error)

func newCorpusListCommand(corpusConfig corpusConfigFunc, lib *catalogFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored libraries, or the entries of one library",
		Example: `  # Summarize every library in the database
  seqsynth corpus list --db seqsynth.db

  # List the entries of the cJSON corpus
  seqsynth corpus list --library cJSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := corpusConfig(cmd)
			if err != nil {
				return err
			}
			store, err := stores.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if lib.library == "" && lib.catalog == "" {
				return listLibraries(ctx, cmd.OutOrStdout(), store)
			}
			catalog, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}
			entries, err := store.ListEntries(ctx, catalog.Library)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCORE\tBRANCHES\tCALLS\tCOMBINATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%.2f\t%d\t%d\t%s\n",
					e.ID, e.Score, len(e.Quality.UniqueBranches), e.Sequence.Len(), e.Combination.String())
			}
			return w.Flush()
		},
	}
}

func listLibraries(ctx context.Context, out io.Writer, store *stores.SQLiteStore) error {
	libs, err := store.Libraries(ctx)
	if err != nil {
		return err
	}
	stats := make([]*stores.CorpusStats, 0, len(libs))
	for _, lib := range libs {
		s, err := store.Stats(ctx, lib)
		if err != nil {
			return err
		}
		stats = append(stats, s)
	}
	if jsonOutput {
		return writeJSON(out, stats)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LIBRARY\tENTRIES\tCRASHES\tHANGS\tCALLS\tTOP SCORE")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f\n", s.Library, s.Entries, s.Crashes, s.Hangs, s.Calls, s.TopScore)
	}
	return w.Flush()
}

func newCorpusExportCommand(corpusConfig corpusConfigFunc) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a corpus out as C test artifacts",
		Long: `Write every stored entry of a library as <id>.c under succ/, crash records
under crash/ and hang records under hang/ of the output directory.`,
		Example: `  # Export the zlib corpus into ./out
  seqsynth corpus export --library zlib --out out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := corpusConfig(cmd)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.OutputDir
			}
			return exportLibrary(cmd.Context(), cmd.OutOrStdout(), cfg, outDir)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: the run config output_dir)")

	return cmd
}

// exportLibrary writes the stored corpus of cfg's library under outDir.
func exportLibrary(ctx context.Context, out io.Writer, cfg *config.RunConfig, outDir string) error {
	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListEntries(ctx, catalog.Library)
	if err != nil {
		return err
	}
	crashes, err := store.ListFaults(ctx, catalog.Library, engine.FaultCrash)
	if err != nil {
		return err
	}
	hangs, err := store.ListFaults(ctx, catalog.Library, engine.FaultTimeout)
	if err != nil {
		return err
	}

	for _, dir := range []string{succDir, crashDir, hangDir} {
		if err := os.MkdirAll(filepath.Join(outDir, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	for _, e := range entries {
		data, err := artifact.Emit(e, catalog)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", e.ID, err)
		}
		if err := writeArtifact(filepath.Join(outDir, succDir), e.ID, data); err != nil {
			return err
		}
	}
	for dir, records := range map[string][]engine.FaultRecord{crashDir: crashes, hangDir: hangs} {
		for _, rec := range records {
			data, err := artifact.EmitFault(rec, catalog)
			if err != nil {
				return fmt.Errorf("failed to render %s: %w", rec.ID, err)
			}
			if err := writeArtifact(filepath.Join(outDir, dir), rec.ID, data); err != nil {
				return err
			}
		}
	}

	log.Info().
		Str("library", catalog.Library).
		Str("dir", outDir).
		Int("entries", len(entries)).
		Int("crashes", len(crashes)).
		Int("hangs", len(hangs)).
		Msg("Corpus exported")
	fmt.Fprintf(out, "Exported %d entries, %d crashes, %d hangs to %s\n", len(entries), len(crashes), len(hangs), outDir)
	return nil
}

func writeArtifact(dir, id string, data []byte) error {
	path := filepath.Join(dir, id+".c")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func newCorpusMinimizeCommand(corpusConfig corpusConfigFunc) *cobra.Command {
	var (
		mode   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "minimize",
		Short: "Drop entries not needed to keep the corpus coverage",
		Long: `Reduce a stored corpus to a small set of entries that still covers every
branch (--mode branches) or every API 3-gram (--mode triples). Removed
entries are deleted from the database.`,
		Example: `  # Preview a branch-preserving minimization
  seqsynth corpus minimize --library cJSON --dry-run

  # Keep every API 3-gram
  seqsynth corpus minimize --library cJSON --mode triples`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := engine.MinimizeMode(mode)
			if err := m.Validate(); err != nil {
				return err
			}
			cfg, err := corpusConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}
			store, err := stores.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			corpus, err := restoreCorpus(ctx, store, catalog, cfg.Fuzz.Seed, log.Logger)
			if err != nil {
				return err
			}
			before := corpus.Len()

			var removed []string
			if dryRun {
				keep := make(map[string]bool)
				for _, id := range engine.SelectCover(corpus.Entries(), m) {
					keep[id] = true
				}
				for _, e := range corpus.Entries() {
					if !keep[e.ID] {
						removed = append(removed, e.ID)
					}
				}
			} else {
				removed, err = corpus.Minimize(ctx, m)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"library": catalog.Library,
					"mode":    m,
					"before":  before,
					"removed": removed,
					"dry_run": dryRun,
				})
			}
			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d of %d entries (%s)\n", verb, len(removed), before, m)
			for _, id := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(engine.MinimizeByBranches), "what to preserve: branches or triples")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")

	return cmd
}

func newCorpusRunsCommand(corpusConfig corpusConfigFunc) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded fuzzing runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := corpusConfig(cmd)
			if err != nil {
				return err
			}
			store, err := stores.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			library := ""
			if cmd.Flags().Changed("library") || cmd.Flags().Changed("catalog") {
				catalog, err := loadCatalog(ctx, cfg)
				if err != nil {
					return err
				}
				library = catalog.Library
			}
			runs, err := store.ListRuns(ctx, library, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLIBRARY\tSTATUS\tSTARTED\tBRANCHES")
			for _, r := range runs {
				branches := "-"
				if r.Summary != nil {
					branches = fmt.Sprint(r.Summary.Branches)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Library, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), branches)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}
