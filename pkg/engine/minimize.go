package engine

import (
	"context"
	"fmt"
	"sort"
)

// MinimizeMode selects what a minimized corpus must preserve.
type MinimizeMode string

const (
	// MinimizeByBranches keeps a set of entries covering every unique branch.
	MinimizeByBranches MinimizeMode = "branches"

	// MinimizeByTriples keeps a set of entries covering every API 3-gram.
	MinimizeByTriples MinimizeMode = "triples"
)

// Validate checks if the mode is valid.
func (m MinimizeMode) Validate() error {
	switch m {
	case MinimizeByBranches, MinimizeByTriples:
		return nil
	default:
		return fmt.Errorf("invalid minimize mode: %s", m)
	}
}

// SelectCover runs a greedy set cover over entries and returns the IDs to keep,
// in selection order. Ties go to the higher score, then the lower ID.
func SelectCover(entries []Entry, mode MinimizeMode) []string {
	features := make([][]string, len(entries))
	for i, e := range entries {
		switch mode {
		case MinimizeByTriples:
			for _, t := range e.Sequence.Triples() {
				features[i] = append(features[i], t[0]+"|"+t[1]+"|"+t[2])
			}
		default:
			features[i] = e.Quality.Branches()
		}
	}

	covered := make(map[string]bool)
	picked := make([]bool, len(entries))
	var keep []string
	for {
		best, bestGain := -1, 0
		for i := range entries {
			if picked[i] {
				continue
			}
			gain := 0
			for _, f := range features[i] {
				if !covered[f] {
					gain++
				}
			}
			if gain == 0 {
				continue
			}
			if best < 0 || gain > bestGain ||
				(gain == bestGain && entries[i].Score > entries[best].Score) ||
				(gain == bestGain && entries[i].Score == entries[best].Score && entries[i].ID < entries[best].ID) {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		keep = append(keep, entries[best].ID)
		for _, f := range features[best] {
			covered[f] = true
		}
	}
	return keep
}

// Minimize removes every entry not needed to preserve the mode's features and
// returns the removed IDs, sorted.
func (c *Corpus) Minimize(ctx context.Context, mode MinimizeMode) ([]string, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	entries := c.Entries()
	keep := make(map[string]bool)
	for _, id := range SelectCover(entries, mode) {
		keep[id] = true
	}
	var drop []string
	for _, e := range entries {
		if !keep[e.ID] {
			drop = append(drop, e.ID)
		}
	}
	sort.Strings(drop)
	if err := c.Remove(ctx, drop...); err != nil {
		return nil, err
	}
	c.logger.Info().Str("mode", string(mode)).Int("kept", len(keep)).Int("removed", len(drop)).Msg("Corpus minimized")
	return drop, nil
}

// Recheck re-scores every entry with oracle and removes those whose coverage
// changed or that now fault. It returns the removed IDs, sorted.
func (c *Corpus) Recheck(ctx context.Context, oracle Oracle) ([]string, error) {
	var drop []string
	for _, e := range c.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, err := oracle.Score(ctx, e.Sequence)
		switch {
		case err != nil && IsFatal(err):
			return nil, err
		case err != nil:
			c.logger.Warn().Err(err).Str("entry", e.ID).Msg("Entry no longer scores, dropping")
			drop = append(drop, e.ID)
		case !q.SameCoverage(e.Quality):
			c.logger.Warn().Str("entry", e.ID).Msg("Entry coverage is unstable, dropping")
			drop = append(drop, e.ID)
		}
	}
	sort.Strings(drop)
	if err := c.Remove(ctx, drop...); err != nil {
		return nil, err
	}
	return drop, nil
}
