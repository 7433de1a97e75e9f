package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/catalogs"
	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildInfo = versionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildInfo = versionInfo{Version: version, Commit: commit, BuildDate: buildDate}

	rootCmd := &cobra.Command{
		Use:   "seqsynth",
		Short: "seqsynth - API sequence synthesis for C library fuzzing",
		Long: `seqsynth synthesizes call sequences for C libraries from a declarative
catalog of operation contracts, scores them for coverage and keeps the
interesting ones in a persistent corpus.

Features:
  - Catalogs of operation contracts written in CUE
  - Contract-checked synthesis with bounded backtracking
  - Crossover of corpus entries with full replay validation
  - Static, executed (local or over SSH) and WebAssembly coverage oracles
  - Rego admission policies and Starlark ranking scripts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if jsonOutput {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "run config file path (YAML or CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSynthCommand())
	rootCmd.AddCommand(newFuzzCommand())
	rootCmd.AddCommand(newScoreCommand())
	rootCmd.AddCommand(newCombineCommand())
	rootCmd.AddCommand(newCorpusCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// catalogFlags select the target library on commands that need one.
type catalogFlags struct {
	library string
	catalog string
}

func (f *catalogFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.library, "library", "l", "", "built-in catalog name (e.g., cJSON, zlib)")
	cmd.Flags().StringVar(&f.catalog, "catalog", "", "CUE catalog file or directory")
}

// apply overrides the library selection of cfg. A library flag drops any
// catalog path the config file named.
func (f *catalogFlags) apply(cfg *config.RunConfig) {
	if f.library != "" {
		cfg.Library = f.library
		cfg.Catalog = ""
	}
	if f.catalog != "" {
		cfg.Catalog = f.catalog
	}
}

// loadRunConfig reads the --config file, or the defaults.
func loadRunConfig() (*config.RunConfig, error) {
	return config.LoadRunConfig(configPath)
}

// loadCatalog loads the catalog file a config names, else the built-in library.
func loadCatalog(ctx context.Context, cfg *config.RunConfig) (*engine.Catalog, error) {
	if cfg.Catalog != "" {
		loaded, err := config.NewCatalogLoader().Load(ctx, cfg.Catalog)
		if err != nil {
			return nil, err
		}
		return loaded.Catalog, nil
	}
	return catalogs.Load(cfg.Library)
}

// resolveCatalog treats ref as a path when it exists on disk and as a
// built-in name otherwise.
func resolveCatalog(ctx context.Context, ref string) (*engine.Catalog, error) {
	if _, err := os.Stat(ref); err == nil {
		loaded, err := config.NewCatalogLoader().Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		return loaded.Catalog, nil
	}
	return catalogs.Load(ref)
}

// newTelemetry builds the process telemetry from a run config and the
// global output flags.
func newTelemetry(cfg *config.RunConfig) (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildInfo.Version
	tc.Logging.Level = logLevel()
	if jsonOutput {
		tc.Logging.Format = "json"
	}
	switch cfg.Telemetry.Tracing {
	case "stdout", "otlp":
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = cfg.Telemetry.Tracing
		tc.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	return telemetry.NewTelemetry(tc)
}

func logLevel() string {
	switch l := zerolog.GlobalLevel(); l {
	case zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return l.String()
	default:
		return "error"
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
