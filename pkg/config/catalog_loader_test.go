package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

const treeCatalog = `
library: "tree"
headers: ["tree.h"]
roles: [{name: "node", ctype: "node_t *"}]
operations: [
	{
		name: "create_object"
		returns: {kind: "resource", role: "node"}
		branches: [{id: "create_object:ok"}]
	},
	{
		name: "create_string"
		params: [{name: "s", kind: "literal", values: [{type: "string", value: "a"}, {type: "null"}]}]
		returns: {kind: "resource", role: "node"}
		failure_mode: "may_return_null"
		branches: [{id: "create_string:a", param: "s", value: "a"}]
	},
	{
		name: "add_item"
		params: [
			{name: "obj", kind: "resource", role: "node", states: ["created", "configured"]},
			{name: "item", kind: "resource", role: "node", states: ["created"]},
		]
		effects: [
			{kind: "transfer", target: "item", owner: "obj", state: "attached"},
			{kind: "set_state", target: "obj", state: "configured"},
		]
	},
	{
		name: "get_size"
		params: [{name: "obj", kind: "resource", role: "node"}]
		returns: {kind: "derived", derived: "size", of: "obj", ctype: "int"}
	},
	{
		name: "delete"
		params: [{name: "obj", kind: "resource", role: "node"}]
		effects: [{kind: "free", target: "obj"}]
		critical: true
	},
]
`

func TestCatalogLoader_LoadString(t *testing.T) {
	loader := NewCatalogLoader()

	loaded, err := loader.LoadString(treeCatalog)
	if err != nil {
		t.Fatalf("Expected catalog to load, got: %v", err)
	}
	c := loaded.Catalog
	if c.Library != "tree" || len(c.Headers) != 1 {
		t.Errorf("Expected library tree with one header, got %s %v", c.Library, c.Headers)
	}
	if len(c.Operations) != 5 {
		t.Fatalf("Expected 5 operations, got %d", len(c.Operations))
	}
	if c.Operations[0].Name != "create_object" || c.Operations[4].Name != "delete" {
		t.Error("Expected declaration order to be preserved")
	}

	op, ok := c.Operation("create_string")
	if !ok {
		t.Fatal("Expected lookups to work after loading")
	}
	if op.FailureMode != engine.FailureMayReturnNull {
		t.Errorf("Expected may_return_null, got %s", op.FailureMode)
	}
	if op.Params[0].Values[1].Type != engine.LiteralNull || op.Params[0].Values[1].Value != "" {
		t.Errorf("Expected null literal with empty value, got %+v", op.Params[0].Values[1])
	}

	add, _ := c.Operation("add_item")
	if add.Effects[0].Kind != engine.EffectTransfer || add.Effects[0].Owner != "obj" {
		t.Errorf("Expected transfer effect, got %+v", add.Effects[0])
	}
	size, _ := c.Operation("get_size")
	if size.Returns.Kind != engine.ReturnDerived || size.Returns.CType != "int" {
		t.Errorf("Expected derived int result, got %+v", size.Returns)
	}

	tr := engine.NewTracker(c)
	if _, err := tr.Commit("create_object", nil); err != nil {
		t.Errorf("Expected loaded catalog to drive a tracker, got: %v", err)
	}
}

func TestCatalogLoader_Rejects(t *testing.T) {
	loader := NewCatalogLoader()

	tests := []struct {
		name    string
		content string
		located bool
	}{
		{
			name:    "syntax error",
			content: "library: \"x\"\nroles: [",
			located: true,
		},
		{
			name:    "unknown role field",
			content: strings.Replace(treeCatalog, `ctype: "node_t *"`, `ctype: "node_t *", colour: "red"`, 1),
			located: true,
		},
		{
			name:    "unknown effect kind",
			content: strings.Replace(treeCatalog, `{kind: "free", target: "obj"}`, `{kind: "explode", target: "obj"}`, 1),
			located: true,
		},
		{
			name:    "bad state",
			content: strings.Replace(treeCatalog, `states: ["created"]`, `states: ["lost"]`, 1),
			located: true,
		},
		{
			name:    "missing operations",
			content: "library: \"empty\"\nroles: []\noperations: []\n",
			located: true,
		},
		{
			name:    "never freed",
			content: strings.Replace(treeCatalog, `effects: [{kind: "free", target: "obj"}]`, `effects: [{kind: "mutate", target: "obj"}]`, 1),
		},
		{
			name:    "unknown role",
			content: strings.Replace(treeCatalog, `role: "node", states: ["created"]`, `role: "leaf", states: ["created"]`, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadString(tt.content)
			if !engine.IsCatalogInconsistency(err) {
				t.Fatalf("Expected catalog inconsistency, got: %v", err)
			}
			var le *LoadError
			if got := errors.As(err, &le); got != tt.located {
				t.Errorf("Expected located errors = %v, got %v (%v)", tt.located, got, err)
			}
			if le != nil && len(le.Errors) == 0 {
				t.Error("Expected at least one located error")
			}
		})
	}
}

func TestCatalogLoader_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	ops := filepath.Join(dir, "ops.cue")
	meta := filepath.Join(dir, "meta.cue")

	body := strings.Replace(treeCatalog, "library: \"tree\"\nheaders: [\"tree.h\"]\n", "", 1)
	if err := os.WriteFile(ops, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write ops: %v", err)
	}
	if err := os.WriteFile(meta, []byte("library: \"tree\"\nheaders: [\"tree.h\"]\n"), 0644); err != nil {
		t.Fatalf("failed to write meta: %v", err)
	}

	loader := NewCatalogLoader()
	loaded, err := loader.Load(context.Background(), meta, ops)
	if err != nil {
		t.Fatalf("Expected unified catalog to load, got: %v", err)
	}
	if loaded.Catalog.Library != "tree" || len(loaded.Catalog.Operations) != 5 {
		t.Errorf("Expected unified tree catalog, got %s with %d ops", loaded.Catalog.Library, len(loaded.Catalog.Operations))
	}
	if len(loaded.SourceFiles) != 2 {
		t.Errorf("Expected 2 source files, got %v", loaded.SourceFiles)
	}

	files, err := FindCatalogFiles(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 || files[0] != meta {
		t.Errorf("Expected sorted catalog files, got %v", files)
	}

	if _, err := loader.Load(context.Background(), filepath.Join(dir, "missing.cue")); !engine.IsCatalogInconsistency(err) {
		t.Errorf("Expected missing source to be a catalog error, got: %v", err)
	}
	if _, err := loader.Load(context.Background()); !engine.IsCatalogInconsistency(err) {
		t.Errorf("Expected no sources to be a catalog error, got: %v", err)
	}
}

func TestExportJSON(t *testing.T) {
	loaded, err := NewCatalogLoader().LoadString(treeCatalog)
	if err != nil {
		t.Fatalf("Expected catalog to load, got: %v", err)
	}
	data, err := ExportJSON(loaded.Catalog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := NewCatalogLoader().LoadBytes("export.json.cue", data)
	if err != nil {
		t.Fatalf("Expected exported JSON to load as CUE, got: %v", err)
	}
	if len(again.Catalog.Operations) != len(loaded.Catalog.Operations) {
		t.Errorf("Expected %d operations after re-import, got %d",
			len(loaded.Catalog.Operations), len(again.Catalog.Operations))
	}
}
