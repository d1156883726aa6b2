package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, path, logLevel string) {
	t.Helper()
	body := `
[general]
log_level = "` + logLevel + `"

[strategies]
runner_cmd = "provider-runner"

[providers.claude]
cli = "claude"
model = "claude-opus"
cost_input_per_mtok = 15.0
cost_output_per_mtok = 75.0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeTestConfig(t, path, "info")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Strategies.Backend != "exec" {
		t.Fatalf("expected default backend exec, got %q", cfg.Strategies.Backend)
	}
	if cfg.Guard.MaxComplexity != 8.0 {
		t.Fatalf("expected default max complexity 8.0, got %v", cfg.Guard.MaxComplexity)
	}
	if len(cfg.Guard.ProtectedPatterns) == 0 {
		t.Fatal("expected default protected patterns")
	}
	if cfg.Approval.DefaultTimeoutHours != 24 {
		t.Fatalf("expected default approval timeout 24h, got %v", cfg.Approval.DefaultTimeoutHours)
	}
	if cfg.Roadmap.Frequency != "weekly" {
		t.Fatalf("expected default roadmap frequency weekly, got %q", cfg.Roadmap.Frequency)
	}
	if cfg.Learning.MinOccurrences != 3 {
		t.Fatalf("expected default min occurrences 3, got %d", cfg.Learning.MinOccurrences)
	}
}

func TestLoadRejectsMissingRunnerCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[providers.claude]
cli = "claude"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when runner_cmd missing for exec backend")
	}
}

func TestLoadRejectsNoProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[strategies]
runner_cmd = "provider-runner"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no providers configured")
	}
}

func TestLoadRejectsInvalidRoadmapFrequency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[strategies]
runner_cmd = "provider-runner"

[providers.claude]
cli = "claude"

[roadmap]
frequency = "hourly"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid roadmap frequency")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/state")
	want := filepath.Join(home, "state")
	if got != want {
		t.Fatalf("ExpandHome(~/state) = %q, want %q", got, want)
	}
}
