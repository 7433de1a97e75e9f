package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// EnvConfigPath names the environment variable that points at a run config file.
const EnvConfigPath = "SEQSYNTH_CONFIG"

// DefaultRunConfig returns the configuration used when no file is given.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Library:   "cJSON",
		Database:  "seqsynth.db",
		OutputDir: "out",
		Fuzz:      engine.DefaultFuzzerConfig(),
		Ranking: RankingConfig{
			Weights: engine.DefaultRanker(),
			Timeout: time.Second,
		},
		Oracle:    OracleConfig{Kind: "static"},
		Telemetry: TelemetryConfig{Tracing: "none"},
	}
}

// LoadRunConfig reads a YAML or CUE run configuration on top of the defaults.
// An empty path falls back to $SEQSYNTH_CONFIG, then to the defaults alone.
func LoadRunConfig(path string) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return &cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}

	if filepath.Ext(path) == ".cue" {
		data, err = cueToYAML(path, data)
		if err != nil {
			return nil, err
		}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config %s: %w", path, err)
	}
	return &cfg, nil
}

// cueToYAML checks a CUE run config against #Run and re-encodes it as YAML.
func cueToYAML(path string, data []byte) ([]byte, error) {
	schemas := NewSchemaRegistry()
	val := schemas.Context().CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}
	unified, err := schemas.Unify("run", val)
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}
	out, err := cueyaml.Encode(unified)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}
	return out, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *RunConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Fuzz.Workers < 1 {
		return fmt.Errorf("fuzz.workers must be at least 1")
	}
	if c.Fuzz.QuietRounds < 1 {
		return fmt.Errorf("fuzz.quiet_rounds must be at least 1")
	}
	if c.Fuzz.ScoreTimeout <= 0 {
		return fmt.Errorf("fuzz.score_timeout must be positive")
	}
	if c.Fuzz.Synth.StepBudget < 2 {
		return fmt.Errorf("fuzz.synth.step_budget must allow at least a create and a release")
	}
	return nil
}

// FuzzerConfig returns the engine configuration with the ban list applied.
func (c *RunConfig) FuzzerConfig() engine.FuzzerConfig {
	fc := c.Fuzz
	fc.Synth.Ban = append(append([]string(nil), fc.Synth.Ban...), c.Ban...)
	return fc
}

// MaxLength is the longest sequence the admission policy accepts.
func (c *RunConfig) MaxLength() int {
	if c.Policy.MaxLength > 0 {
		return c.Policy.MaxLength
	}
	return c.Fuzz.Synth.StepBudget
}
