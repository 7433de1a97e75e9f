package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// DefaultScriptTimeout bounds loading a ranking script when the run config
// sets no timeout.
const DefaultScriptTimeout = 30 * time.Second

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  "seqsynth-" + name,
		Print: func(_ *starlark.Thread, msg string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// execScript runs a ranking script's top level and returns its globals. The
// thread is cancelled once ctx ends or timeout elapses.
func execScript(ctx context.Context, name, script string, timeout time.Duration) (starlark.StringDict, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ranking script %s not run: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := newThread("load")
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, name, script, predeclared())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ranking script %s did not finish within %v: %w", name, timeout, ctxErr)
		}
		return nil, fmt.Errorf("failed to load ranking script %s: %w", name, err)
	}
	return globals, nil
}

// scriptWeights overrides base with the entries of a weights dict. Keys use
// the names of the run config's ranking.weights block.
func scriptWeights(name string, v starlark.Value, base engine.WeightedRanker) (engine.WeightedRanker, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return base, fmt.Errorf("ranking script %s: weights must be a dict, got %s", name, v.Type())
	}

	w := base
	fields := map[string]*float64{
		"new_branch":      &w.NewBranch,
		"critical":        &w.Critical,
		"create":          &w.Create,
		"transfer":        &w.Transfer,
		"reuse_penalty":   &w.ReusePenalty,
		"energy_exponent": &w.EnergyExponent,
	}
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return base, fmt.Errorf("ranking script %s: weight names must be strings, got %s", name, item[0].Type())
		}
		field, ok := fields[key]
		if !ok {
			return base, fmt.Errorf("ranking script %s: unknown weight %q", name, key)
		}
		f, ok := starlark.AsFloat(item[1])
		if !ok {
			return base, fmt.Errorf("ranking script %s: weight %s must be a number, got %s", name, key, item[1].Type())
		}
		*field = f
	}
	return w, nil
}
