package guest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func TestDeclaredScorer(t *testing.T) {
	req := &Request{
		Library: "tree",
		Calls: []engine.Call{
			{Op: "create_object", Result: "r1"},
			{Op: "create_string", Args: []engine.Arg{engine.LiteralArg(engine.LiteralString, "a")}, Result: "r2"},
			{Op: "create_string", Args: []engine.Arg{engine.LiteralArg(engine.LiteralString, "a")}, Result: "r3"},
			{Op: "delete", Args: []engine.Arg{engine.RefArg("r1")}},
		},
		Branches: []string{"create_object:ok", "create_string:a", "create_string:b", "delete:ok", "malformed"},
	}

	resp := DeclaredScorer(req)

	want := map[string]int{"create_object:ok": 1, "create_string:a": 2, "delete:ok": 1}
	if len(resp.Branches) != len(want) {
		t.Fatalf("Expected %d branches, got %v", len(want), resp.Branches)
	}
	for id, n := range want {
		if resp.Branches[id] != n {
			t.Errorf("Expected %s hit %d times, got %d", id, n, resp.Branches[id])
		}
	}
	if resp.Crash != "" || resp.Error != "" {
		t.Errorf("Expected a clean response, got %+v", resp)
	}
}

func TestDeclaredScorer_RefsDoNotMatch(t *testing.T) {
	// A resource reference that happens to equal a branch suffix is not a literal.
	req := &Request{
		Calls:    []engine.Call{{Op: "use", Args: []engine.Arg{engine.RefArg("r1")}}},
		Branches: []string{"use:r1"},
	}
	if resp := DeclaredScorer(req); len(resp.Branches) != 0 {
		t.Errorf("Expected no branches, got %v", resp.Branches)
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		scorer    Scorer
		wantError string
		wantCrash string
		wantHits  int
	}{
		{
			name:     "scored",
			input:    `{"library":"tree","calls":[{"op":"create_object"}],"declared":["create_object:ok"]}`,
			scorer:   DeclaredScorer,
			wantHits: 1,
		},
		{
			name:      "invalid json",
			input:     `{"calls":`,
			scorer:    DeclaredScorer,
			wantError: "invalid request",
		},
		{
			name:      "panicking scorer",
			input:     `{"calls":[]}`,
			scorer:    func(*Request) Response { panic("boom") },
			wantError: "scorer panicked: boom",
		},
		{
			name:      "crash",
			input:     `{"calls":[]}`,
			scorer:    func(*Request) Response { return Response{Crash: "double free"} },
			wantCrash: "double free",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Handle([]byte(tt.input), tt.scorer)

			var resp Response
			if err := json.Unmarshal(out, &resp); err != nil {
				t.Fatalf("Expected a JSON response, got %q: %v", out, err)
			}
			if resp.Branches == nil {
				t.Error("Expected branches to be encoded as an object")
			}
			if tt.wantError != "" && !strings.Contains(resp.Error, tt.wantError) {
				t.Errorf("Expected error containing %q, got %q", tt.wantError, resp.Error)
			}
			if tt.wantError == "" && resp.Error != "" {
				t.Errorf("Expected no error, got %q", resp.Error)
			}
			if resp.Crash != tt.wantCrash {
				t.Errorf("Expected crash %q, got %q", tt.wantCrash, resp.Crash)
			}
			if len(resp.Branches) != tt.wantHits {
				t.Errorf("Expected %d branches, got %v", tt.wantHits, resp.Branches)
			}
		})
	}
}
