package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

const testRankScript = `
def rank(c):
    score = 10.0 * c.new_branches
    if c.critical:
        score += 1
    if c.operation == "delete" and c.step < 2:
        score -= 100
    return score - c.uses
`

func TestStarlarkRanker_Score(t *testing.T) {
	r, err := NewStarlarkRanker("rank.star", testRankScript, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected ranker, got: %v", err)
	}

	tests := []struct {
		name string
		info engine.CandidateInfo
		want float64
	}{
		{"new branches", engine.CandidateInfo{Operation: "add", NewBranches: 2, Step: 3}, 20},
		{"critical", engine.CandidateInfo{Operation: "add", Critical: true, Uses: 1, Step: 3}, 0},
		{"early delete", engine.CandidateInfo{Operation: "delete", Step: 1}, -100},
		{"late delete", engine.CandidateInfo{Operation: "delete", Step: 5, NewBranches: 1}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Score(tt.info); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
	if r.Failures() != 0 {
		t.Errorf("Expected no failures, got %d", r.Failures())
	}
}

func TestStarlarkRanker_IntResult(t *testing.T) {
	r, err := NewStarlarkRanker("int.star", "def rank(c):\n    return c.new_branches * 3\n", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected ranker, got: %v", err)
	}
	if got := r.Score(engine.CandidateInfo{NewBranches: 2}); got != 6 {
		t.Errorf("Expected 6, got %v", got)
	}
}

func TestStarlarkRanker_Fallback(t *testing.T) {
	fallback := engine.RankerFunc(func(engine.CandidateInfo) float64 { return 42 })

	tests := []struct {
		name   string
		script string
	}{
		{"string result", "def rank(c):\n    return \"high\"\n"},
		{"runtime error", "def rank(c):\n    return c.missing_field\n"},
		{"step limit", "def rank(c):\n    n = 0\n    for i in range(100000000):\n        n += i\n    return n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewStarlarkRanker("bad.star", tt.script, fallback, zerolog.Nop())
			if err != nil {
				t.Fatalf("Expected ranker, got: %v", err)
			}
			if got := r.Score(engine.CandidateInfo{Operation: "op"}); got != 42 {
				t.Errorf("Expected fallback score 42, got %v", got)
			}
			if r.Failures() != 1 {
				t.Errorf("Expected 1 failure, got %d", r.Failures())
			}
		})
	}
}

func TestStarlarkRanker_LoadErrors(t *testing.T) {
	if _, err := NewStarlarkRanker("none.star", "x = 1\n", nil, zerolog.Nop()); err == nil {
		t.Error("Expected an error for a script without rank")
	}
	if _, err := NewStarlarkRanker("broken.star", "def rank(c)\n", nil, zerolog.Nop()); err == nil {
		t.Error("Expected a syntax error")
	}
	if _, err := LoadStarlarkRanker("/nonexistent/rank.star", nil, zerolog.Nop()); err == nil {
		t.Error("Expected a read error")
	}
}

func TestStarlarkRanker_Concurrent(t *testing.T) {
	r, err := NewStarlarkRanker("rank.star", testRankScript, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected ranker, got: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			info := engine.CandidateInfo{Operation: "add", NewBranches: n, Step: 4}
			if got := r.Score(info); got != float64(10*n) {
				t.Errorf("Expected %d, got %v", 10*n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestBuildRanker(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		return path
	}
	base := RankingConfig{Weights: engine.DefaultRanker(), Timeout: time.Second}

	t.Run("no script", func(t *testing.T) {
		r, err := BuildRanker(context.Background(), base, zerolog.Nop())
		if err != nil {
			t.Fatalf("Expected ranker, got: %v", err)
		}
		if _, ok := r.(engine.WeightedRanker); !ok {
			t.Errorf("Expected WeightedRanker, got %T", r)
		}
	})

	t.Run("weights script", func(t *testing.T) {
		cfg := base
		cfg.Script = write("weights.star", "weights = {\"new_branch\": 3, \"reuse_penalty\": 0.5}\n")
		r, err := BuildRanker(context.Background(), cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("Expected ranker, got: %v", err)
		}
		w, ok := r.(engine.WeightedRanker)
		if !ok {
			t.Fatalf("Expected WeightedRanker, got %T", r)
		}
		if w.NewBranch != 3 || w.ReusePenalty != 0.5 || w.Critical != engine.DefaultRanker().Critical {
			t.Errorf("Expected merged weights, got %+v", w)
		}
	})

	t.Run("rank script", func(t *testing.T) {
		cfg := base
		cfg.Script = write("rank.star", testRankScript)
		r, err := BuildRanker(context.Background(), cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("Expected ranker, got: %v", err)
		}
		if _, ok := r.(*StarlarkRanker); !ok {
			t.Errorf("Expected StarlarkRanker, got %T", r)
		}
	})

	t.Run("bad weights", func(t *testing.T) {
		cfg := base
		cfg.Script = write("bad.star", "weights = {\"new_branch\": \"lots\"}\n")
		if _, err := BuildRanker(context.Background(), cfg, zerolog.Nop()); err == nil {
			t.Error("Expected an error for non-numeric weights")
		}
	})
}
