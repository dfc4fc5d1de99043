package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const testRego = `# Blocks saving projects.
# Used by loader tests.
package test.policy

import rego.v1

deny contains {"message": "saving is disabled", "severity": "error"} if {
	input.method == "project.save"
}`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "no-save.rego", testRego)

	policy, err := NewLoader(nil).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-save" {
		t.Errorf("Expected name 'no-save', got '%s'", policy.Name)
	}
	if policy.Description != "Blocks saving projects. Used by loader tests." {
		t.Errorf("description = %q", policy.Description)
	}
	if policy.Rego != testRego || policy.Source != path {
		t.Error("Rego content or source doesn't match")
	}
	if !policy.Enabled || policy.Severity != SeverityWarning {
		t.Errorf("policy = %+v, want enabled warning", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	data, err := json.Marshal(Policy{
		Description: "A test policy",
		Rego:        "package test\n\nimport rego.v1\n\ndeny contains \"never\" if false",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writePolicy(t, t.TempDir(), "json-policy.json", string(data))

	loaded, err := NewLoader(nil).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "json-policy" || loaded.Severity != SeverityError || len(loaded.Tags) != 1 {
		t.Errorf("loaded = %+v", loaded)
	}

	bad := writePolicy(t, t.TempDir(), "bad.json", "{")
	if _, err := NewLoader(nil).loadFromFile(bad); err == nil {
		t.Error("loading malformed JSON succeeded")
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", testRego)
	writePolicy(t, dir, "nested/b.json", `{"name": "b", "rego": "package b", "enabled": false}`)
	writePolicy(t, dir, "nested/broken.json", `not json`)
	writePolicy(t, dir, "README.md", "# policies")
	single := writePolicy(t, t.TempDir(), "single.rego", "package single")

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 3 || !names["a"] || !names["b"] || !names["single"] {
		t.Errorf("loaded %v, want a, b and single", names)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("LoadFromPaths() with missing path succeeded")
	}
}

func TestLoadedPoliciesEnforce(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "no-save.rego", testRego)

	policies, err := NewLoader(nil).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatal(err)
	}
	g := newTestGuard(t, Options{}, policies...)

	if err := g.Check(context.Background(), "project.save", json.RawMessage(`{}`)); err == nil {
		t.Error("Check(project.save) succeeded, want denied by loaded policy")
	}
	if err := g.Check(context.Background(), "project.current", nil); err != nil {
		t.Errorf("Check(project.current) = %v", err)
	}
}
