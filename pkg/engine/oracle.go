package engine

import (
	"context"
)

// Oracle scores finished sequences. Score returns either a quality record or an
// error; execution faults are reported as *ExecutionFault, never as a zero score.
type Oracle interface {
	// Name identifies the strategy ("static", "exec", "wasm").
	Name() string

	// Score evaluates one complete sequence.
	Score(ctx context.Context, seq Sequence) (*QualityRecord, error)
}

// BuildQuality assembles a quality record from per-branch hits and the invoked calls.
// Density is the fraction of the invoked operations' declared branches that were hit.
func BuildQuality(catalog *Catalog, seq Sequence, hits map[string]int) *QualityRecord {
	q := &QualityRecord{
		UniqueBranches: make(map[string]int, len(hits)),
		LibraryCalls:   []string{},
		CriticalCalls:  []string{},
	}
	for id, n := range hits {
		if n > 0 {
			q.UniqueBranches[id] = n
		}
	}

	seen := make(map[string]bool)
	declared := 0
	for _, c := range seq.Calls {
		if seen[c.Op] {
			continue
		}
		seen[c.Op] = true
		q.LibraryCalls = append(q.LibraryCalls, c.Op)
		op, ok := catalog.Operation(c.Op)
		if !ok {
			continue
		}
		declared += len(op.Branches)
		if op.IsCritical() {
			q.CriticalCalls = append(q.CriticalCalls, c.Op)
		}
	}

	if declared > 0 {
		q.Density = float64(len(q.UniqueBranches)) / float64(declared)
		if q.Density > 1 {
			q.Density = 1
		}
	}
	return q
}

// StaticOracle approximates coverage from the catalog's declared branch tags.
// It replays the sequence and evaluates each branch condition against the
// state right before the call, so its output depends only on the sequence.
type StaticOracle struct {
	catalog *Catalog
}

// NewStaticOracle creates a static oracle for a catalog.
func NewStaticOracle(catalog *Catalog) *StaticOracle {
	return &StaticOracle{catalog: catalog}
}

// Name implements Oracle.
func (o *StaticOracle) Name() string {
	return "static"
}

// Score implements Oracle. A sequence that fails replay yields a contract violation.
func (o *StaticOracle) Score(ctx context.Context, seq Sequence) (*QualityRecord, error) {
	t := NewTracker(o.catalog)
	hits := make(map[string]int)
	for i, c := range seq.Calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, ok := o.catalog.Operation(c.Op)
		if !ok {
			return nil, NewContractViolation("unknown operation").WithOperation(c.Op).
				WithCode(ErrCodeUnknownOperation).WithDetail("position", i)
		}
		for _, b := range t.BranchesHit(Candidate{Op: op, Args: c.Args}) {
			hits[b]++
		}
		if _, err := t.Commit(c.Op, c.Args); err != nil {
			return nil, err
		}
	}
	return BuildQuality(o.catalog, seq, hits), nil
}
