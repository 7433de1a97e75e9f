package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// DefaultRankSteps bounds the Starlark steps of one rank() call.
const DefaultRankSteps = 100_000

// StarlarkRanker ranks candidates with a user script defining
//
//	def rank(c):
//	    return 10 * c.new_branches + (1 if c.critical else 0)
//
// where c carries the engine.CandidateInfo fields. Scores fall back to a
// weighted ranker when the script fails on a candidate.
type StarlarkRanker struct {
	rank     starlark.Callable
	steps    uint64
	fallback engine.Ranker
	failures atomic.Int64
	logger   zerolog.Logger
}

// NewStarlarkRanker compiles script and looks up its rank function.
func NewStarlarkRanker(name, script string, fallback engine.Ranker, logger zerolog.Logger) (*StarlarkRanker, error) {
	globals, err := execScript(context.Background(), name, script, DefaultScriptTimeout)
	if err != nil {
		return nil, err
	}
	return rankerFromGlobals(name, globals, fallback, logger)
}

func rankerFromGlobals(name string, globals starlark.StringDict, fallback engine.Ranker, logger zerolog.Logger) (*StarlarkRanker, error) {
	fn, ok := globals["rank"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("ranking script %s does not define rank(candidate)", name)
	}
	if fallback == nil {
		fallback = engine.DefaultRanker()
	}

	return &StarlarkRanker{
		rank:     fn,
		steps:    DefaultRankSteps,
		fallback: fallback,
		logger:   logger.With().Str("component", "ranker").Str("script", name).Logger(),
	}, nil
}

// LoadStarlarkRanker reads a ranking script from disk.
func LoadStarlarkRanker(path string, fallback engine.Ranker, logger zerolog.Logger) (*StarlarkRanker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking script: %w", err)
	}
	return NewStarlarkRanker(path, string(data), fallback, logger)
}

// Score implements engine.Ranker. Each call runs on its own thread, so the
// ranker is safe for concurrent synthesis workers.
func (r *StarlarkRanker) Score(c engine.CandidateInfo) float64 {
	thread := newThread("rank")
	thread.SetMaxExecutionSteps(r.steps)

	v, err := starlark.Call(thread, r.rank, starlark.Tuple{candidateStruct(c)}, nil)
	if err == nil {
		switch n := v.(type) {
		case starlark.Float:
			return float64(n)
		case starlark.Int:
			f, _ := starlark.AsFloat(n)
			return f
		case starlark.Bool:
			if n {
				return 1
			}
			return 0
		default:
			err = fmt.Errorf("rank returned %s, want a number", v.Type())
		}
	}

	if r.failures.Add(1) == 1 {
		r.logger.Warn().Err(err).Str("operation", c.Operation).Msg("Ranking script failed, using weighted ranker")
	}
	return r.fallback.Score(c)
}

// Failures returns how many candidates fell back to the weighted ranker.
func (r *StarlarkRanker) Failures() int64 {
	return r.failures.Load()
}

func candidateStruct(c engine.CandidateInfo) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"operation":    starlark.String(c.Operation),
		"new_branches": starlark.MakeInt(c.NewBranches),
		"critical":     starlark.Bool(c.Critical),
		"creates":      starlark.Bool(c.Creates),
		"transfers":    starlark.Bool(c.Transfers),
		"uses":         starlark.MakeInt(c.Uses),
		"energy":       starlark.Float(c.Energy),
		"step":         starlark.MakeInt(c.Step),
	})
}

// BuildRanker returns the ranking policy a run config selects. A script that
// defines rank(c) becomes a StarlarkRanker; a script that only sets a
// weights dict overrides the configured weights.
func BuildRanker(ctx context.Context, cfg RankingConfig, logger zerolog.Logger) (engine.Ranker, error) {
	if cfg.Script == "" {
		return cfg.Weights, nil
	}
	data, err := os.ReadFile(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking script: %w", err)
	}

	globals, err := execScript(ctx, cfg.Script, string(data), cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if raw, ok := globals["weights"]; ok {
		w, err := scriptWeights(cfg.Script, raw, cfg.Weights)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	r, err := rankerFromGlobals(cfg.Script, globals, cfg.Weights, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}
