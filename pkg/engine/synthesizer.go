package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
)

// ErrCleanupStuck reports that a live caller-owned instance has no admissible free.
var ErrCleanupStuck = errors.New("cleanup cannot release every instance")

// SynthesizerConfig tunes the search.
type SynthesizerConfig struct {
	// StepBudget is the maximum number of calls in a sequence, cleanup included.
	StepBudget int `json:"step_budget" yaml:"step_budget"`

	// OperateTarget stops the productive phase after this many calls. Zero means
	// the productive phase only ends when nothing new is reachable or the budget is tight.
	OperateTarget int `json:"operate_target" yaml:"operate_target"`

	// MaxBacktracks bounds how many times the search may rewind.
	MaxBacktracks int `json:"max_backtracks" yaml:"max_backtracks"`

	// Ban lists operations that are never proposed.
	Ban []string `json:"ban,omitempty" yaml:"ban,omitempty"`

	// Energies are per-operation power-schedule energies. Missing operations default to 1.
	Energies map[string]float64 `json:"-" yaml:"-"`
}

// DefaultSynthesizerConfig returns the default search limits.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		StepBudget:    MaxSequenceLen,
		OperateTarget: DefaultCombinationLen,
		MaxBacktracks: 64,
	}
}

// SynthesisResult is a complete sequence and the search statistics that produced it.
type SynthesisResult struct {
	// Sequence is the synthesized, fully released sequence.
	Sequence Sequence

	// Estimate is the in-progress branch estimate accumulated during search.
	Estimate map[string]int

	// Backtracks is the number of times the search rewound.
	Backtracks int

	// Rejections counts candidates Commit refused.
	Rejections int
}

// Synthesizer builds sequences by greedy constraint-directed search with
// bounded backtracking. It is safe for concurrent use: every call to
// Synthesize owns a private Tracker.
type Synthesizer struct {
	catalog *Catalog
	ranker  Ranker
	config  SynthesizerConfig
	logger  zerolog.Logger
}

// NewSynthesizer creates a synthesizer. A nil ranker uses DefaultRanker.
func NewSynthesizer(catalog *Catalog, ranker Ranker, config SynthesizerConfig, logger zerolog.Logger) *Synthesizer {
	if ranker == nil {
		ranker = DefaultRanker()
	}
	if config.StepBudget <= 0 {
		config.StepBudget = MaxSequenceLen
	}
	if config.MaxBacktracks < 0 {
		config.MaxBacktracks = 0
	}
	return &Synthesizer{
		catalog: catalog,
		ranker:  ranker,
		config:  config,
		logger:  logger.With().Str("component", "synthesizer").Str("library", catalog.Library).Logger(),
	}
}

// frame is one backtracking point: the state before a ranked choice and the
// alternatives still untried.
type frame struct {
	snap     Snapshot
	estimate map[string]int
	ranked   []Candidate
	next     int
}

type search struct {
	s          *Synthesizer
	tracker    *Tracker
	rng        *rand.Rand
	estimate   map[string]int
	stack      []*frame
	backtracks int
	rejections int
}

// Synthesize builds one complete sequence. The same seed always yields the same sequence.
// It returns ErrSynthesisExhausted when backtracking runs out of alternatives.
func (s *Synthesizer) Synthesize(ctx context.Context, seed int64) (*SynthesisResult, error) {
	st := &search{
		s:        s,
		tracker:  NewTracker(s.catalog),
		rng:      rand.New(rand.NewSource(seed)),
		estimate: make(map[string]int),
	}
	st.tracker.Ban(s.config.Ban...)

	phase := PhaseOperate
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if phase == PhaseOperate {
			if st.operate() {
				continue
			}
			phase = PhaseCleanup
		}

		err := Cleanup(st.tracker, s.config.StepBudget, s.ranker)
		if err == nil && st.tracker.Len() > 0 {
			break
		}
		if err == nil {
			err = errors.New("empty sequence")
		}
		s.logger.Debug().Err(err).Int("calls", st.tracker.Len()).Msg("Cleanup failed, backtracking")
		if !st.backtrack() {
			return nil, fmt.Errorf("%w: %v (backtracks=%d)", ErrSynthesisExhausted, err, st.backtracks)
		}
		phase = PhaseOperate
	}

	seq := st.tracker.Sequence()
	s.logger.Debug().
		Int64("seed", seed).
		Int("calls", seq.Len()).
		Int("backtracks", st.backtracks).
		Int("branches", len(st.estimate)).
		Msg("Synthesized sequence")

	return &SynthesisResult{
		Sequence:   seq,
		Estimate:   st.estimate,
		Backtracks: st.backtracks,
		Rejections: st.rejections,
	}, nil
}

// operate appends one productive call. It returns false when the productive
// phase is over.
func (st *search) operate() bool {
	cfg := st.s.config
	t := st.tracker
	if cfg.OperateTarget > 0 && t.Len() >= cfg.OperateTarget {
		return false
	}
	// Keep room for at least one release per live instance plus the new one.
	if t.Len()+1+len(t.Live())+1 > cfg.StepBudget {
		return false
	}

	ranked, productive := st.rank(t.AdmissibleNext())
	if len(ranked) == 0 {
		return false
	}
	// An empty sequence may open with an unproductive call; later on the
	// productive phase ends once nothing new is reachable.
	if productive > 0 {
		ranked = ranked[:productive]
	} else if t.Len() > 0 {
		return false
	}

	f := &frame{snap: t.Snapshot(), estimate: copyCounts(st.estimate), ranked: ranked}
	for f.next < len(f.ranked) {
		c := f.ranked[f.next]
		f.next++
		if st.commit(c) {
			st.stack = append(st.stack, f)
			return true
		}
	}
	return false
}

// rank orders the non-releasing candidates best first. Candidates reaching a
// branch the estimate has not seen come before the rest; productive is their count.
func (st *search) rank(cands []Candidate) (ranked []Candidate, productive int) {
	uses := make(map[string]int)
	for _, c := range st.tracker.l.calls {
		uses[c.Op]++
	}

	type scored struct {
		c     Candidate
		fresh bool
		score float64
	}
	var pool []scored
	for _, c := range cands {
		if c.Op.Frees() {
			continue
		}
		fresh := 0
		seen := make(map[string]bool)
		for _, b := range st.tracker.BranchesHit(c) {
			if st.estimate[b] == 0 && !seen[b] {
				fresh++
			}
			seen[b] = true
		}
		if fresh > 0 {
			productive++
		}
		energy := 1.0
		if e, ok := st.s.config.Energies[c.Op.Name]; ok {
			energy = e
		}
		info := CandidateInfo{
			Operation:   c.Op.Name,
			NewBranches: fresh,
			Critical:    c.Op.IsCritical(),
			Creates:     c.Op.Creates(),
			Transfers:   c.Op.Transfers(),
			Uses:        uses[c.Op.Name],
			Energy:      energy,
			Step:        st.tracker.Len(),
		}
		pool = append(pool, scored{c: c, fresh: fresh > 0, score: st.s.ranker.Score(info)})
	}

	st.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].fresh != pool[j].fresh {
			return pool[i].fresh
		}
		return pool[i].score > pool[j].score
	})

	ranked = make([]Candidate, len(pool))
	for i, p := range pool {
		ranked[i] = p.c
	}
	return ranked, productive
}

func (st *search) commit(c Candidate) bool {
	hit := st.tracker.BranchesHit(c)
	if _, err := st.tracker.CommitCandidate(c); err != nil {
		st.rejections++
		st.s.logger.Debug().Err(err).Str("op", c.Op.Name).Msg("Candidate rejected")
		return false
	}
	for _, b := range hit {
		st.estimate[b]++
	}
	return true
}

// backtrack rewinds to the most recent frame with an untried alternative and commits it.
func (st *search) backtrack() bool {
	for len(st.stack) > 0 {
		if st.backtracks >= st.s.config.MaxBacktracks {
			return false
		}
		f := st.stack[len(st.stack)-1]
		for f.next < len(f.ranked) {
			c := f.ranked[f.next]
			f.next++
			st.backtracks++
			st.tracker.Restore(f.snap)
			st.estimate = copyCounts(f.estimate)
			if st.commit(c) {
				return true
			}
			if st.backtracks >= st.s.config.MaxBacktracks {
				return false
			}
		}
		st.stack = st.stack[:len(st.stack)-1]
	}
	return false
}

// Cleanup runs the terminal phase: it releases every live caller-owned instance,
// newest first, without exceeding budget calls in total.
func Cleanup(t *Tracker, budget int, ranker Ranker) error {
	if ranker == nil {
		ranker = DefaultRanker()
	}
	for {
		live := t.Live()
		if len(live) == 0 {
			return nil
		}
		if budget > 0 && t.Len() >= budget {
			return fmt.Errorf("%w: step budget %d exhausted with %d live instances", ErrCleanupStuck, budget, len(live))
		}

		cands := t.AdmissibleNext()
		committed := false
		for _, inst := range live {
			best, ok := bestRelease(cands, inst.ID, ranker)
			if !ok {
				continue
			}
			if _, err := t.CommitCandidate(best); err != nil {
				return err
			}
			committed = true
			break
		}
		if !committed {
			return fmt.Errorf("%w: %s has no admissible release", ErrCleanupStuck, live[0].ID)
		}
	}
}

// bestRelease picks the highest-ranked candidate that frees id, preferring
// candidates that release nothing else.
func bestRelease(cands []Candidate, id string, ranker Ranker) (Candidate, bool) {
	var best Candidate
	bestScore := 0.0
	found := false
	for _, c := range cands {
		released := releasedBy(c)
		if !contains(released, id) {
			continue
		}
		score := ranker.Score(CandidateInfo{Operation: c.Op.Name, Critical: true}) - float64(len(released)-1)
		if !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	return best, found
}

// releasedBy lists the instance IDs a candidate frees.
func releasedBy(c Candidate) []string {
	var ids []string
	for _, e := range c.Op.Effects {
		if e.Kind != EffectFree {
			continue
		}
		if _, i := c.Op.Param(e.Target); i >= 0 && i < len(c.Args) {
			ids = append(ids, c.Args[i].Ref)
		}
	}
	return ids
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
