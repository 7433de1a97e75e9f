package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fileRego = `# Rejects combinations longer than four calls.
# severity: error
package seqsynth.custom.short

import rego.v1

deny contains msg if {
	input.origin == "combination"
	input.length > 4
	msg := "combination too long"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoad_File(t *testing.T) {
	loader := NewLoader(testLogger())
	path := filepath.Join(t.TempDir(), "short-combinations.rego")
	writeFile(t, path, fileRego)

	policies, err := loader.Load([]string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	policy := policies[0]

	if policy.Name != "short-combinations" {
		t.Errorf("Expected name short-combinations, got %s", policy.Name)
	}
	if policy.Description != "Rejects combinations longer than four calls." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Expected an enabled non-builtin policy")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestReadPolicy_Header(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantSev  Severity
		wantErr  bool
	}{
		{
			name:     "no comments",
			content:  "package seqsynth.custom.bare\n",
			wantDesc: "",
			wantSev:  SeverityWarning,
		},
		{
			name:     "blank lines before header",
			content:  "\n\n# Keeps runs short.\n# Applies to combinations.\npackage x\n",
			wantDesc: "Keeps runs short. Applies to combinations.",
			wantSev:  SeverityWarning,
		},
		{
			name:     "comments after the header are ignored",
			content:  "# Header.\n\n# Not part of it.\npackage x\n",
			wantDesc: "Header.",
			wantSev:  SeverityWarning,
		},
		{
			name:     "critical severity",
			content:  "# severity: critical\npackage x\n",
			wantDesc: "",
			wantSev:  SeverityCritical,
		},
		{
			name:    "unknown severity",
			content: "# severity: fatal\npackage x\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.rego")
			writeFile(t, path, tt.content)

			p, err := readPolicy(path)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to read policy: %v", err)
			}
			if p.Description != tt.wantDesc {
				t.Errorf("Expected description %q, got %q", tt.wantDesc, p.Description)
			}
			if p.Severity != tt.wantSev {
				t.Errorf("Expected severity %s, got %s", tt.wantSev, p.Severity)
			}
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	loader := NewLoader(testLogger())
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "a.rego"), fileRego)
	writeFile(t, filepath.Join(sub, "b.rego"), fileRego)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "policy.json"), "{")

	policies, err := loader.Load([]string{dir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(policies) != 2 || policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("Expected policies a and b, got %+v", policies)
	}
}

func TestLoad_Errors(t *testing.T) {
	loader := NewLoader(testLogger())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), fileRego)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	other := t.TempDir()
	writeFile(t, filepath.Join(other, "a.rego"), fileRego)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{name: "missing path", paths: []string{filepath.Join(dir, "missing")}, want: "failed to read policy path"},
		{name: "not a rego file", paths: []string{filepath.Join(dir, "notes.txt")}, want: "not a .rego module"},
		{name: "duplicate name", paths: []string{dir, other}, want: "defined by both"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(tt.paths)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "short.rego"), fileRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	in := baseInput()
	in.Origin = OriginCombination
	in.Length = 5
	in.Params.MaxLength = 0
	decision, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected loaded policy to deny")
	}
	if decision.Violations[0].Policy != "short" {
		t.Errorf("Expected violation from short, got %s", decision.Violations[0].Policy)
	}
}

func startWatch(t *testing.T, loader *Loader, paths []string) <-chan []Policy {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloaded := make(chan []Policy, 8)
	err := loader.Watch(ctx, paths, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	return reloaded
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(testLogger())
	loader.settle = 50 * time.Millisecond
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "watched.rego"), fileRego)

	reloaded := startWatch(t, loader, []string{dir})
	writeFile(t, filepath.Join(dir, "second.rego"), fileRego)

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestWatch_BrokenReloadKeepsCurrentSet(t *testing.T) {
	loader := NewLoader(testLogger())
	loader.settle = 50 * time.Millisecond
	dir := t.TempDir()
	sub := filepath.Join(dir, "team")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "short.rego"), fileRego)

	reloaded := startWatch(t, loader, []string{dir})

	dup := filepath.Join(sub, "short.rego")
	writeFile(t, dup, fileRego)
	select {
	case policies := <-reloaded:
		t.Fatalf("Expected a duplicate policy name to block the reload, got %d policies", len(policies))
	case <-time.After(500 * time.Millisecond):
	}

	if err := os.Remove(dup); err != nil {
		t.Fatal(err)
	}
	select {
	case policies := <-reloaded:
		if len(policies) != 1 {
			t.Errorf("Expected 1 policy once the duplicate is gone, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestLoader_CloseStopsWatching(t *testing.T) {
	loader := NewLoader(testLogger())
	loader.settle = 50 * time.Millisecond
	dir := t.TempDir()

	reloaded := startWatch(t, loader, []string{dir})
	if err := loader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	writeFile(t, filepath.Join(dir, "late.rego"), fileRego)

	select {
	case <-reloaded:
		t.Error("Expected no reload after Close")
	case <-time.After(300 * time.Millisecond):
	}
}
