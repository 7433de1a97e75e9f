package config

import (
	"time"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// RunConfig is the configuration of one synthesis or fuzzing run.
type RunConfig struct {
	// Library selects a built-in catalog by name (e.g., "cJSON", "zlib").
	Library string `json:"library" yaml:"library" validate:"required_without=Catalog"`

	// Catalog is a path to a CUE catalog file or directory. It overrides Library.
	Catalog string `json:"catalog,omitempty" yaml:"catalog,omitempty"`

	// Database is the SQLite corpus path.
	Database string `json:"database" yaml:"database" validate:"required"`

	// OutputDir receives exported artifacts (succ/, crash/, hang/).
	OutputDir string `json:"output_dir" yaml:"output_dir" validate:"required"`

	// Ban lists operations that are never synthesized and always denied admission.
	Ban []string `json:"ban,omitempty" yaml:"ban,omitempty"`

	// Fuzz holds the round, worker and synthesis limits.
	Fuzz engine.FuzzerConfig `json:"fuzz" yaml:"fuzz"`

	// Ranking selects the candidate ranking policy.
	Ranking RankingConfig `json:"ranking" yaml:"ranking"`

	// Oracle selects and configures the coverage oracle.
	Oracle OracleConfig `json:"oracle" yaml:"oracle"`

	// Policy configures the admission gate.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Telemetry configures metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// RankingConfig selects the ranking policy. A script takes precedence over weights.
type RankingConfig struct {
	// Weights are the linear policy weights.
	Weights engine.WeightedRanker `json:"weights" yaml:"weights"`

	// Script is a path to a Starlark file defining rank(candidate).
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Timeout bounds a single script evaluation.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OracleConfig configures the coverage oracle.
type OracleConfig struct {
	// Kind is static, exec or wasm.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=static exec wasm"`

	// Runner is the path of the seqsynth-runner binary used by the exec oracle.
	Runner string `json:"runner,omitempty" yaml:"runner,omitempty" validate:"required_if=Kind exec"`

	// Build compiles an artifact. {src}, {bin} and {dir} are replaced in each argument.
	Build []string `json:"build,omitempty" yaml:"build,omitempty" validate:"required_if=Kind exec"`

	// Run executes the compiled harness; empty runs {bin} directly.
	Run []string `json:"run,omitempty" yaml:"run,omitempty"`

	// Env is added to the environment of build and run commands.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Runners is how many runner processes the exec oracle keeps; 0 uses the worker count.
	Runners int `json:"runners,omitempty" yaml:"runners,omitempty" validate:"min=0"`

	// Remote optionally runs the runner on another host over SSH.
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty"`

	// Module is the path of the WebAssembly scoring module used by the wasm oracle.
	Module string `json:"module,omitempty" yaml:"module,omitempty" validate:"required_if=Kind wasm"`

	// MemoryPages caps the wasm module's memory in 64KB pages; 0 keeps the default.
	MemoryPages uint32 `json:"memory_pages,omitempty" yaml:"memory_pages,omitempty"`
}

// RemoteConfig describes an SSH host for the exec oracle.
type RemoteConfig struct {
	Host       string `json:"host" yaml:"host" validate:"required,hostname|ip"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User       string `json:"user" yaml:"user" validate:"required"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	RunnerPath string `json:"runner_path,omitempty" yaml:"runner_path,omitempty"`
}

// PolicyConfig configures the rego admission gate.
type PolicyConfig struct {
	// Enabled turns the gate on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists additional .rego files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads policies when the files change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`

	// MaxLength is the longest admitted sequence. Zero uses the synthesis step budget.
	MaxLength int `json:"max_length,omitempty" yaml:"max_length,omitempty" validate:"omitempty,min=1"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr serves /metrics when set (e.g., ":9090").
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`

	// Tracing is none, stdout or otlp.
	Tracing string `json:"tracing,omitempty" yaml:"tracing,omitempty" validate:"omitempty,oneof=none stdout otlp"`

	// OTLPEndpoint is the collector address for otlp tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "operations.3.params").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// LoadedCatalog is a decoded and validated catalog with its provenance.
type LoadedCatalog struct {
	// Catalog is ready for use by the engine.
	Catalog *engine.Catalog

	// SourceFiles are the CUE files that were read.
	SourceFiles []string

	// LoadedAt is when the catalog was loaded.
	LoadedAt time.Time
}
