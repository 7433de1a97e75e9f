package artifact

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func testCatalog(t *testing.T) *engine.Catalog {
	t.Helper()
	c := &engine.Catalog{
		Library: "tree",
		Headers: []string{"tree.h", "<stdlib.h>"},
		Roles:   []engine.Role{{Name: "node", CType: "node_t *"}},
		Operations: []engine.Operation{
			{
				Name:     "create_object",
				Returns:  &engine.Returns{Kind: engine.ReturnResource, Role: "node"},
				Branches: []engine.Branch{{ID: "create_object:ok"}},
			},
			{
				Name: "create_string",
				Params: []engine.Param{{Name: "s", Kind: engine.ParamLiteral, Values: []engine.Literal{
					{Type: engine.LiteralString, Value: "a, \"b\""},
				}}},
				Returns:     &engine.Returns{Kind: engine.ReturnResource, Role: "node"},
				FailureMode: engine.FailureMayReturnNull,
				Branches:    []engine.Branch{{ID: "create_string:ok"}},
			},
			{
				Name: "add_item",
				Params: []engine.Param{
					{Name: "obj", Kind: engine.ParamResource, Role: "node", States: []engine.State{engine.StateCreated, engine.StateConfigured}},
					{Name: "item", Kind: engine.ParamResource, Role: "node", States: []engine.State{engine.StateCreated}},
				},
				Effects: []engine.Effect{
					{Kind: engine.EffectTransfer, Target: "item", Owner: "obj", State: engine.StateAttached},
					{Kind: engine.EffectSetState, Target: "obj", State: engine.StateConfigured},
				},
				Branches: []engine.Branch{{ID: "add_item:ok"}},
			},
			{
				Name:     "get_size",
				Params:   []engine.Param{{Name: "obj", Kind: engine.ParamResource, Role: "node"}},
				Returns:  &engine.Returns{Kind: engine.ReturnDerived, Derived: "size", Of: "obj", CType: "int"},
				Branches: []engine.Branch{{ID: "get_size:ok"}},
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
		t.Fatalf("Expected valid catalog, got: %v", err)
	}
	return c
}

func testEntry(t *testing.T, c *engine.Catalog) engine.Entry {
	t.Helper()
	tr := engine.NewTracker(c)
	steps := []struct {
		op   string
		args []engine.Arg
	}{
		{"create_object", nil},
		{"create_string", []engine.Arg{engine.LiteralArg(engine.LiteralString, "a, \"b\"")}},
		{"add_item", []engine.Arg{engine.RefArg("r1"), engine.RefArg("r2")}},
		{"get_size", []engine.Arg{engine.RefArg("r1")}},
		{"delete", []engine.Arg{engine.RefArg("r1")}},
	}
	for _, s := range steps {
		if _, err := tr.Commit(s.op, s.args); err != nil {
			t.Fatalf("Expected %s to commit, got: %v", s.op, err)
		}
	}
	seq := tr.Sequence()

	q, err := engine.NewStaticOracle(c).Score(context.Background(), seq)
	if err != nil {
		t.Fatalf("Expected scoring to succeed, got: %v", err)
	}
	return engine.Entry{
		ID:       engine.FormatEntryID(1),
		Prompt:   "seed=3",
		Score:    q.Score(),
		Quality:  *q,
		Sequence: seq,
	}
}

func sameSequence(t *testing.T, want, got engine.Sequence) {
	t.Helper()
	if want.Library != got.Library {
		t.Errorf("Expected library %q, got %q", want.Library, got.Library)
	}
	if len(want.Calls) != len(got.Calls) {
		t.Fatalf("Expected %d calls, got %d", len(want.Calls), len(got.Calls))
	}
	for i := range want.Calls {
		w, g := want.Calls[i], got.Calls[i]
		if w.Op != g.Op || w.Result != g.Result || len(w.Args) != len(g.Args) {
			t.Errorf("Call %d: expected %s, got %s", i, w, g)
			continue
		}
		for j := range w.Args {
			if !reflect.DeepEqual(w.Args[j], g.Args[j]) {
				t.Errorf("Call %d arg %d: expected %+v, got %+v", i, j, w.Args[j], g.Args[j])
			}
		}
	}
}

func TestEmit_Format(t *testing.T) {
	c := testCatalog(t)
	data, err := Emit(testEntry(t, c), c)
	if err != nil {
		t.Fatalf("Expected emit to succeed, got: %v", err)
	}
	text := string(data)

	lines := strings.Split(text, "\n")
	if lines[0] != "// Id: id_000001" {
		t.Errorf("Expected Id line first, got %q", lines[0])
	}
	if lines[1] != "// Prompt: seed=3" {
		t.Errorf("Expected Prompt line, got %q", lines[1])
	}
	if lines[2] != "// Combination: none" {
		t.Errorf("Expected Combination line, got %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "// score: ") || !strings.HasSuffix(lines[3], "nr_unique_branch: 5") {
		t.Errorf("Expected score line with 5 branches, got %q", lines[3])
	}

	for _, want := range []string{
		"#include <tree.h>\n",
		"#include <stdlib.h>\n",
		"int test_tree_api_sequence() {\n",
		"    node_t * r1 = create_object();\n",
		"    node_t * r2 = create_string(\"a, \\\"b\\\"\");\n",
		"    if (!r2) return 0;\n",
		"    add_item(r1, r2);\n",
		"    int d1 = get_size(r1);\n",
		"    delete(r1);\n",
		"    return 66;\n}\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected artifact to contain %q\n%s", want, text)
		}
	}
	if strings.Contains(text, "if (!r1)") {
		t.Error("Expected no null guard for an operation that cannot return NULL")
	}
}

func TestEmit_RejectsMultilinePrompt(t *testing.T) {
	c := testCatalog(t)
	e := testEntry(t, c)
	e.Prompt = "one\ntwo"
	if _, err := Emit(e, c); err == nil {
		t.Error("Expected multi-line prompt to be rejected")
	}
}

func TestRoundTrip(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		name   string
		modify func(*engine.Entry)
	}{
		{"seed", func(*engine.Entry) {}},
		{"empty prompt", func(e *engine.Entry) { e.Prompt = "" }},
		{"combination", func(e *engine.Entry) {
			e.Prompt = ""
			e.Combination = &engine.Combination{ParentA: "id_000004", ParentB: "id_000009", CutA: 2, CutB: 1}
		}},
		{"visited", func(e *engine.Entry) { e.Quality.Visited = 7 }},
		{"empty sequence", func(e *engine.Entry) {
			e.Sequence.Calls = []engine.Call{}
			e.Quality = engine.QualityRecord{}
			e.Score = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := testEntry(t, c)
			tt.modify(&want)

			data, err := Emit(want, c)
			if err != nil {
				t.Fatalf("Expected emit to succeed, got: %v", err)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Expected parse to succeed, got: %v\n%s", err, data)
			}

			want.Quality.Normalize()
			if got.ID != want.ID || got.Prompt != want.Prompt || got.Score != want.Score {
				t.Errorf("Expected header %s/%q/%v, got %s/%q/%v",
					want.ID, want.Prompt, want.Score, got.ID, got.Prompt, got.Score)
			}
			if !reflect.DeepEqual(got.Combination, want.Combination) {
				t.Errorf("Expected combination %v, got %v", want.Combination, got.Combination)
			}
			if !reflect.DeepEqual(got.Quality, want.Quality) {
				t.Errorf("Expected quality %+v, got %+v", want.Quality, got.Quality)
			}
			sameSequence(t, want.Sequence, got.Sequence)

			again, err := Emit(got, c)
			if err != nil {
				t.Fatalf("Expected re-emit to succeed, got: %v", err)
			}
			if string(again) != string(data) {
				t.Errorf("Expected stable rendering\nfirst:\n%s\nsecond:\n%s", data, again)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	c := testCatalog(t)
	data, err := Emit(testEntry(t, c), c)
	if err != nil {
		t.Fatalf("Expected emit to succeed, got: %v", err)
	}
	good := string(data)

	tests := []struct {
		name  string
		input string
	}{
		{"missing id", strings.Replace(good, "// Id: id_000001\n", "", 1)},
		{"missing quality", strings.Replace(good, "// Quality: ", "// Qualities: ", 1)},
		{"branch count mismatch", strings.Replace(good, "nr_unique_branch: 5", "nr_unique_branch: 4", 1)},
		{"bad score", strings.Replace(good, "// score: ", "// score: x", 1)},
		{"bad combination", strings.Replace(good, "// Combination: none", "// Combination: id_1 y", 1)},
		{"unterminated", strings.TrimSuffix(good, "}\n")},
		{"trailing content", good + "int extra;\n"},
		{"not a call", strings.Replace(good, "    delete(r1);", "    delete r1;", 1)},
		{"unbalanced", strings.Replace(good, "    delete(r1);", "    delete(\"r1);", 1)},
		{"bad result", strings.Replace(good, "node_t * r1 = ", "node_t * x1 = ", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.input)); err == nil {
				t.Errorf("Expected parse error for:\n%s", tt.input)
			}
		})
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		input string
		want  engine.Arg
	}{
		{`"hello"`, engine.LiteralArg(engine.LiteralString, "hello")},
		{`"a,b"`, engine.LiteralArg(engine.LiteralString, "a,b")},
		{`""`, engine.LiteralArg(engine.LiteralString, "")},
		{"NULL", engine.LiteralArg(engine.LiteralNull, "")},
		{"r12", engine.RefArg("r12")},
		{"d3", engine.DerivedArg("d3")},
		{"-42", engine.LiteralArg(engine.LiteralInt, "-42")},
		{"0x1F", engine.LiteralArg(engine.LiteralInt, "0x1F")},
		{"16UL", engine.LiteralArg(engine.LiteralInt, "16UL")},
		{"1.5", engine.LiteralArg(engine.LiteralFloat, "1.5")},
		{"2.0e3f", engine.LiteralArg(engine.LiteralFloat, "2.0e3f")},
		{"Z_DEFAULT_COMPRESSION", engine.LiteralArg(engine.LiteralSymbol, "Z_DEFAULT_COMPRESSION")},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseArg(tt.input)
			if err != nil {
				t.Fatalf("Expected %s to parse, got: %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestSplitArgs(t *testing.T) {
	got, err := splitArgs(`r1, "x, \"y\"", (a, b), 3`)
	if err != nil {
		t.Fatalf("Expected split to succeed, got: %v", err)
	}
	want := []string{"r1", `"x, \"y\""`, "(a, b)", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}

	if got, _ := splitArgs("  "); got != nil {
		t.Errorf("Expected no arguments, got %q", got)
	}
}

func TestEmitFault(t *testing.T) {
	c := testCatalog(t)
	e := testEntry(t, c)
	rec := engine.FaultRecord{
		ID:       "crash_000001",
		Prompt:   "seed=9",
		Sequence: e.Sequence,
		Fault:    engine.ExecutionFault{Kind: engine.FaultCrash, Reason: "sanitizer", ExitCode: engine.SanitizerExitCode},
	}

	data, err := EmitFault(rec, c)
	if err != nil {
		t.Fatalf("Expected emit to succeed, got: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "// Id: crash_000001\n") {
		t.Errorf("Expected fault id first, got:\n%s", text)
	}
	if !strings.Contains(text, `// Fault: {"kind":"crash","reason":"sanitizer","exit_code":168`) {
		t.Errorf("Expected fault line, got:\n%s", text)
	}
	if !strings.Contains(text, "int test_tree_api_sequence() {") {
		t.Errorf("Expected function body, got:\n%s", text)
	}
	if _, err := Parse(data); err == nil {
		t.Error("Expected fault artifacts to be refused by Parse")
	}
}

func pointerCatalog(t *testing.T) *engine.Catalog {
	t.Helper()
	c := &engine.Catalog{
		Library: "db",
		Roles:   []engine.Role{{Name: "db", CType: "db_t *"}},
		Operations: []engine.Operation{
			{
				Name: "db_open",
				Params: []engine.Param{{Name: "path", Kind: engine.ParamLiteral, Values: []engine.Literal{
					{Type: engine.LiteralString, Value: ":memory:"},
				}}},
				Returns:     &engine.Returns{Kind: engine.ReturnResource, Role: "db", Out: 2},
				FailureMode: engine.FailureMayReturnNull,
				Branches:    []engine.Branch{{ID: "db_open:ok"}},
			},
			{
				Name:     "db_destroy",
				Params:   []engine.Param{{Name: "db", Kind: engine.ParamResource, Role: "db", ByRef: true}},
				Effects:  []engine.Effect{{Kind: engine.EffectFree, Target: "db"}},
				Branches: []engine.Branch{{ID: "db_destroy:ok"}},
			},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected valid catalog, got: %v", err)
	}
	return c
}

func TestRoundTrip_PointerArguments(t *testing.T) {
	c := pointerCatalog(t)
	tr := engine.NewTracker(c)
	if _, err := tr.Commit("db_open", []engine.Arg{engine.LiteralArg(engine.LiteralString, ":memory:")}); err != nil {
		t.Fatalf("Expected db_open to commit, got: %v", err)
	}
	if _, err := tr.Commit("db_destroy", []engine.Arg{engine.RefArg("r1")}); err != nil {
		t.Fatalf("Expected db_destroy to commit, got: %v", err)
	}
	seq := tr.Sequence()
	q, err := engine.NewStaticOracle(c).Score(context.Background(), seq)
	if err != nil {
		t.Fatalf("Expected scoring to succeed, got: %v", err)
	}
	want := engine.Entry{ID: engine.FormatEntryID(2), Score: q.Score(), Quality: *q, Sequence: seq}

	data, err := Emit(want, c)
	if err != nil {
		t.Fatalf("Expected emit to succeed, got: %v", err)
	}
	text := string(data)
	for _, line := range []string{
		"    db_t * r1 = NULL;\n",
		"    db_open(\":memory:\", &r1);\n",
		"    if (!r1) return 0;\n",
		"    db_destroy(&r1);\n",
	} {
		if !strings.Contains(text, line) {
			t.Errorf("Expected artifact to contain %q\n%s", line, text)
		}
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Expected parse to succeed, got: %v\n%s", err, data)
	}
	sameSequence(t, want.Sequence, got.Sequence)

	again, err := Emit(got, c)
	if err != nil {
		t.Fatalf("Expected re-emit to succeed, got: %v", err)
	}
	if string(again) != text {
		t.Errorf("Expected stable rendering\nfirst:\n%s\nsecond:\n%s", text, again)
	}

	unwritten := strings.Replace(text, "    db_open(\":memory:\", &r1);\n", "", 1)
	unwritten = strings.Replace(unwritten, "    db_destroy(&r1);\n", "", 1)
	if _, err := Parse([]byte(unwritten)); err == nil {
		t.Error("Expected a declared but unwritten result to be rejected")
	}
}
