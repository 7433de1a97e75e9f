package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// testCatalog has one role with a creator, a mutator and a releaser.
func testCatalog(t *testing.T) *engine.Catalog {
	t.Helper()
	c := &engine.Catalog{
		Library: "tree",
		Roles:   []engine.Role{{Name: "node", CType: "node_t *"}},
		Operations: []engine.Operation{
			{
				Name:     "create_object",
				Returns:  &engine.Returns{Kind: engine.ReturnResource, Role: "node"},
				Branches: []engine.Branch{{ID: "create_object:ok"}},
			},
			{
				Name:     "set_value",
				Params:   []engine.Param{{Name: "obj", Kind: engine.ParamResource, Role: "node"}},
				Effects:  []engine.Effect{{Kind: engine.EffectMutate, Target: "obj"}},
				Branches: []engine.Branch{{ID: "set_value:ok"}},
			},
			{
				Name:     "delete",
				Params:   []engine.Param{{Name: "obj", Kind: engine.ParamResource, Role: "node"}},
				Effects:  []engine.Effect{{Kind: engine.EffectFree, Target: "obj"}},
				Branches: []engine.Branch{{ID: "delete:ok"}},
			},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected valid test catalog, got: %v", err)
	}
	return c
}

// buildSequence commits ops, binding every resource argument to r1.
func buildSequence(t *testing.T, c *engine.Catalog, ops ...string) engine.Sequence {
	t.Helper()
	tr := engine.NewTracker(c)
	for _, op := range ops {
		var args []engine.Arg
		if op != "create_object" {
			args = []engine.Arg{engine.RefArg("r1")}
		}
		if _, err := tr.Commit(op, args); err != nil {
			t.Fatalf("Expected %s to commit, got: %v", op, err)
		}
	}
	return tr.Sequence()
}

// scoredEntry builds an entry scored by the static oracle.
func scoredEntry(t *testing.T, c *engine.Catalog, ops ...string) engine.Entry {
	t.Helper()
	seq := buildSequence(t, c, ops...)
	q, err := engine.NewStaticOracle(c).Score(context.Background(), seq)
	if err != nil {
		t.Fatalf("Failed to score sequence: %v", err)
	}
	return engine.Entry{
		ID:       "id_000001",
		Prompt:   "seed=1",
		Score:    q.Score(),
		Quality:  *q,
		Sequence: seq,
	}
}
