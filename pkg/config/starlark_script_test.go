package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func TestExecScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr bool
		check   func(*testing.T, starlark.StringDict)
	}{
		{
			name:   "globals",
			script: "limit = 2 + 2\nshape = struct(depth = 3)\n",
			check: func(t *testing.T, g starlark.StringDict) {
				if n, err := starlark.AsInt32(g["limit"]); err != nil || n != 4 {
					t.Errorf("Expected limit=4, got %v", g["limit"])
				}
				if _, ok := g["shape"]; !ok {
					t.Error("Expected struct builtin to be available")
				}
			},
		},
		{
			name:   "print is silent",
			script: "print(\"hidden\")\ndone = True\n",
			check: func(t *testing.T, g starlark.StringDict) {
				if g["done"] != starlark.True {
					t.Errorf("Expected done=True, got %v", g["done"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "invalid syntax here\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "limit = undefined_variable\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := execScript(context.Background(), "rank.star", tt.script, time.Second)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error, got none")
				} else if !strings.Contains(err.Error(), "rank.star") {
					t.Errorf("Expected the error to name the script, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected script to run, got: %v", err)
			}
			tt.check(t, g)
		})
	}
}

func TestExecScript_Timeout(t *testing.T) {
	script := `
def spin():
    total = 0
    for i in range(100000000):
        total = total + i
    return total

total = spin()
`
	start := time.Now()
	_, err := execScript(context.Background(), "slow.star", script, 100*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected the script to be cancelled promptly, took %v", elapsed)
	}
}

func TestExecScript_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := execScript(ctx, "rank.star", "def f():\n    return [i for i in range(1000000)]\nx = f()\n", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected a cancelled context to stop the script, got: %v", err)
	}
}

func TestScriptWeights(t *testing.T) {
	base := engine.DefaultRanker()

	tests := []struct {
		name    string
		script  string
		wantErr string
		check   func(*testing.T, engine.WeightedRanker)
	}{
		{
			name:   "override",
			script: "weights = {\"new_branch\": 3, \"energy_exponent\": 0.25}\n",
			check: func(t *testing.T, w engine.WeightedRanker) {
				if w.NewBranch != 3 || w.EnergyExponent != 0.25 {
					t.Errorf("Expected overridden weights, got %+v", w)
				}
				if w.Critical != base.Critical || w.ReusePenalty != base.ReusePenalty {
					t.Errorf("Expected other weights to keep their defaults, got %+v", w)
				}
			},
		},
		{
			name:   "computed",
			script: "def scaled(k):\n    return {\"critical\": 2 * k}\nweights = scaled(4)\n",
			check: func(t *testing.T, w engine.WeightedRanker) {
				if w.Critical != 8 {
					t.Errorf("Expected critical=8, got %v", w.Critical)
				}
			},
		},
		{name: "not a dict", script: "weights = [1, 2]\n", wantErr: "must be a dict"},
		{name: "unknown weight", script: "weights = {\"speed\": 1}\n", wantErr: "unknown weight"},
		{name: "non-numeric", script: "weights = {\"create\": \"lots\"}\n", wantErr: "must be a number"},
		{name: "non-string key", script: "weights = {1: 1}\n", wantErr: "must be strings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := execScript(context.Background(), "weights.star", tt.script, time.Second)
			if err != nil {
				t.Fatalf("Expected script to run, got: %v", err)
			}
			w, err := scriptWeights("weights.star", g["weights"], base)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				if w != base {
					t.Errorf("Expected base weights on error, got %+v", w)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected weights, got: %v", err)
			}
			tt.check(t, w)
		})
	}
}
