package engine

import "math"

// CandidateInfo is the ranking view of one admissible candidate.
type CandidateInfo struct {
	// Operation is the operation name.
	Operation string `json:"operation"`

	// NewBranches is the number of branches the call reaches that the sequence has not hit yet.
	NewBranches int `json:"new_branches"`

	// Critical is true for contract-sensitive operations.
	Critical bool `json:"critical"`

	// Creates is true if the call produces a new instance.
	Creates bool `json:"creates"`

	// Transfers is true if the call moves ownership.
	Transfers bool `json:"transfers"`

	// Uses is how many times the operation already appears in the sequence.
	Uses int `json:"uses"`

	// Energy is the power-schedule energy of the operation (1 when unknown).
	Energy float64 `json:"energy"`

	// Step is the index the call would take in the sequence.
	Step int `json:"step"`
}

// Ranker scores candidates; higher scores are tried first.
// Implementations must be deterministic for identical input.
type Ranker interface {
	Score(c CandidateInfo) float64
}

// RankerFunc adapts a function to the Ranker interface.
type RankerFunc func(c CandidateInfo) float64

// Score implements Ranker.
func (f RankerFunc) Score(c CandidateInfo) float64 {
	return f(c)
}

// WeightedRanker is the default linear ranking policy. New branches dominate,
// critical operations break ties, and repeated operations are pushed back.
type WeightedRanker struct {
	NewBranch      float64 `json:"new_branch" yaml:"new_branch"`
	Critical       float64 `json:"critical" yaml:"critical"`
	Create         float64 `json:"create" yaml:"create"`
	Transfer       float64 `json:"transfer" yaml:"transfer"`
	ReusePenalty   float64 `json:"reuse_penalty" yaml:"reuse_penalty"`
	EnergyExponent float64 `json:"energy_exponent" yaml:"energy_exponent"`
}

// DefaultRanker returns the default weights.
func DefaultRanker() WeightedRanker {
	return WeightedRanker{
		NewBranch:      10,
		Critical:       1,
		Create:         0.5,
		Transfer:       0.5,
		ReusePenalty:   2,
		EnergyExponent: 1,
	}
}

// Score implements Ranker.
func (w WeightedRanker) Score(c CandidateInfo) float64 {
	s := w.NewBranch * float64(c.NewBranches)
	if c.Critical {
		s += w.Critical
	}
	if c.Creates {
		s += w.Create
	}
	if c.Transfers {
		s += w.Transfer
	}
	s -= w.ReusePenalty * float64(c.Uses)
	if w.EnergyExponent != 0 && c.Energy > 0 && s > 0 {
		s *= math.Pow(c.Energy, w.EnergyExponent)
	}
	return s
}
