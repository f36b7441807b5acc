package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/rs/zerolog"
)

const denyRedshift = `# Redshift clusters need a security review.
package integrator.autoapproval

import rego.v1

deny contains msg if {
	some r in input.resources
	r.selected
	r.type == "REDSHIFT"
	msg := sprintf("%s needs a security review", [r.resource_id])
}
`

const denyAll = `package integrator.autoapproval

import rego.v1

deny contains "frozen"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "redshift.rego"), denyRedshift)
	writeFile(t, filepath.Join(dir, "nested", "bundle.json"), `{
		"name": "extra",
		"version": "1",
		"policies": [{"name": "helpers", "rego": "package integrator.helpers\n"}]
	}`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
		if p.Source == "" || p.LoadedAt.IsZero() {
			t.Errorf("%s: source and load time must be set", p.Name)
		}
	}
	if diff := cmp.Diff([]string{"helpers", "redshift"}, names); diff != "" {
		t.Errorf("loaded policies mismatch (-want +got):\n%s", diff)
	}
	if policies[1].Description != "Redshift clusters need a security review." {
		t.Errorf("Description = %q", policies[1].Description)
	}
}

func TestLoadFromPathsErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name  string
		files map[string]string
	}{
		{name: "empty directory"},
		{name: "malformed bundle", files: map[string]string{"b.json": "{"}},
		{name: "bundle without policies", files: map[string]string{"b.json": `{"name": "empty", "policies": []}`}},
		{name: "bundle policy without rego", files: map[string]string{"b.json": `{"name": "x", "policies": [{"name": "p"}]}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(dir, name), content)
			}
			if _, err := loader.LoadFromPaths(ctx, []string{dir}); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := loader.LoadFromPaths(ctx, []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestRegoPolicyFromFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "redshift.rego"), denyRedshift)

	rp := newTestRegoPolicy(t, RegoOptions{Paths: []string{dir}})
	got := rp.Evaluate(context.Background(), engine.AutoApprovalInput{
		Provider:  engine.ProviderAWS,
		Resources: []engine.AutoApprovalResource{{ResourceID: "wh", Type: engine.ResourceRedshift, Selected: true}},
	})
	if diff := cmp.Diff([]string{"wh needs a security review"}, got.Reasons); diff != "" || got.ShouldAutoApprove {
		t.Errorf("unexpected decision %+v (-want +got reasons):\n%s", got, diff)
	}
}

func TestRegoPolicyWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.rego")
	writeFile(t, path, denyRedshift)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rp := newTestRegoPolicy(t, RegoOptions{Paths: []string{dir}})
	if err := rp.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer rp.Close()

	input := engine.AutoApprovalInput{Provider: engine.ProviderAWS}
	if got := rp.Evaluate(ctx, input); !got.ShouldAutoApprove {
		t.Fatalf("empty selection should be approved before reload, got %v", got.Reasons)
	}

	writeFile(t, path, denyAll)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := rp.Evaluate(ctx, input); !got.ShouldAutoApprove {
			if diff := cmp.Diff([]string{"frozen"}, got.Reasons); diff != "" {
				t.Errorf("reasons after reload (-want +got):\n%s", diff)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after the file changed")
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "none", content: "package a\n", want: ""},
		{name: "leading block", content: "# First line.\n#\n# Second line.\npackage a\n# later\n", want: "First line. Second line."},
		{name: "after blank lines", content: "\n\n# Only.\npackage a\n", want: "Only."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}
