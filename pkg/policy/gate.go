package policy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

const (
	// OriginSynthesis marks entries produced by the synthesizer.
	OriginSynthesis = "synthesis"

	// OriginCombination marks entries produced by combining two parents.
	OriginCombination = "combination"
)

// Gate admits corpus candidates through the policy engine. It implements
// engine.Gate.
type Gate struct {
	engine  *Engine
	catalog *engine.Catalog
	params  Params
	logger  zerolog.Logger
}

// NewGate creates a gate evaluating entries for catalog with params.
func NewGate(eng *Engine, catalog *engine.Catalog, params Params, logger zerolog.Logger) *Gate {
	if params.Ban == nil {
		params.Ban = []string{}
	}
	return &Gate{
		engine:  eng,
		catalog: catalog,
		params:  params,
		logger:  logger.With().Str("component", "policy-gate").Str("library", catalog.Library).Logger(),
	}
}

// Admit implements engine.Gate. A sequence that no longer replays against the
// catalog is denied without consulting the policies.
func (g *Gate) Admit(ctx context.Context, entry engine.Entry) (bool, []string, error) {
	input, err := BuildInput(g.catalog, entry, g.params)
	if err != nil {
		return false, []string{fmt.Sprintf("contract: %v", err)}, nil
	}

	decision, err := g.engine.Evaluate(ctx, input)
	if err != nil {
		return false, nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, w := range decision.Warnings {
		g.logger.Debug().
			Str("entry", entry.ID).
			Str("policy", w.Policy).
			Str("severity", string(w.Severity)).
			Msg(w.Message)
	}
	if !decision.Allowed {
		g.logger.Info().
			Str("entry", entry.ID).
			Strs("reasons", decision.Reasons()).
			Msg("Entry denied by policy")
	}

	return decision.Allowed, decision.Reasons(), nil
}

// BuildInput renders entry as the policy input document.
func BuildInput(catalog *engine.Catalog, entry engine.Entry, params Params) (*Input, error) {
	tracker, err := engine.Replay(catalog, entry.Sequence)
	if err != nil {
		return nil, err
	}

	if params.Ban == nil {
		params.Ban = []string{}
	}
	input := &Input{
		Library:    catalog.Library,
		Origin:     OriginSynthesis,
		Prompt:     entry.Prompt,
		Length:     len(entry.Sequence.Calls),
		Ops:        make([]string, 0, len(entry.Sequence.Calls)),
		Calls:      make([]CallInput, 0, len(entry.Sequence.Calls)),
		Unreleased: []string{},
		Quality: QualityInput{
			Score:         entry.Score,
			Density:       entry.Quality.Density,
			Branches:      len(entry.Quality.UniqueBranches),
			CriticalCalls: append([]string{}, entry.Quality.CriticalCalls...),
		},
		Params: params,
	}
	if entry.Combination != nil {
		input.Origin = OriginCombination
	}

	for _, call := range entry.Sequence.Calls {
		args := make([]string, len(call.Args))
		for i, a := range call.Args {
			args[i] = a.String()
		}
		critical := false
		if op, ok := catalog.Operation(call.Op); ok {
			critical = op.IsCritical()
		}
		input.Ops = append(input.Ops, call.Op)
		input.Calls = append(input.Calls, CallInput{
			Op:       call.Op,
			Args:     args,
			Result:   call.Result,
			Critical: critical,
		})
	}

	for _, inst := range tracker.Live() {
		input.Unreleased = append(input.Unreleased, inst.ID)
	}

	return input, nil
}
