package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Runner != "mock" {
		t.Errorf("Default Runner = %q, want %q", cfg.Runner, "mock")
	}
	if cfg.Namespace != "feature" {
		t.Errorf("Default Namespace = %q, want %q", cfg.Namespace, "feature")
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("Default MaxRetries = %d, want %d", cfg.MaxRetries, 2)
	}
	if cfg.Timeouts.Implement != 1800 {
		t.Errorf("Default Timeouts.Implement = %d, want %d", cfg.Timeouts.Implement, 1800)
	}
	if cfg.LogDir != ".arborist/logs" {
		t.Errorf("Default LogDir = %q, want %q", cfg.LogDir, ".arborist/logs")
	}
}

func writeProjectConfig(t *testing.T, repo, yamlBody string) {
	t.Helper()
	dir := filepath.Join(repo, ".arborist")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlBody), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_ProjectFileOverridesDefault(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "runner: claude\nmax_retries: 5\n")

	cfg, err := Load(repo, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner != "claude" {
		t.Errorf("Runner = %q, want %q", cfg.Runner, "claude")
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, 5)
	}
	// Untouched fields keep their defaults.
	if cfg.Namespace != "feature" {
		t.Errorf("Namespace = %q, want default %q", cfg.Namespace, "feature")
	}
}

func TestLoad_UnrecognizedKeyIsRejected(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "runnr: claude\n")

	if _, err := Load(repo, nil); err == nil {
		t.Fatal("expected error for unrecognized config key")
	}
}

func TestLoad_EnvOverridesProjectFile(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "runner: claude\n")

	t.Setenv("ARBORIST_RUNNER", "opencode")

	cfg, err := Load(repo, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner != "opencode" {
		t.Errorf("Runner = %q, want %q", cfg.Runner, "opencode")
	}
}

func TestLoad_FlagOverridesEverything(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "runner: claude\n")
	t.Setenv("ARBORIST_RUNNER", "opencode")

	cfg, err := Load(repo, &FlagOverrides{Runner: "gemini"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner != "gemini" {
		t.Errorf("Runner = %q, want %q", cfg.Runner, "gemini")
	}
}

func TestLoad_FlagMaxRetriesZeroDoesNotClobberProject(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "max_retries: 7\n")

	// A zero FlagOverrides.MaxRetries means "not set on the command
	// line" — it must not reset the project-configured value to zero.
	cfg, err := Load(repo, &FlagOverrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want %d (project value preserved)", cfg.MaxRetries, 7)
	}
}

func TestLoad_NestedTimeoutOverride(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "timeouts:\n  test: 45\n")

	cfg, err := Load(repo, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.Test != 45 {
		t.Errorf("Timeouts.Test = %d, want %d", cfg.Timeouts.Test, 45)
	}
	if cfg.Timeouts.Implement != 1800 {
		t.Errorf("Timeouts.Implement = %d, want default %d", cfg.Timeouts.Implement, 1800)
	}
}

func TestResolve_TracksSourceThroughChain(t *testing.T) {
	repo := t.TempDir()
	writeProjectConfig(t, repo, "runner: claude\n")
	t.Setenv("ARBORIST_NAMESPACE", "hotfix")

	rc, err := Resolve(repo, &FlagOverrides{Model: "opus"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rc.Runner.Source != SourceProject || rc.Runner.Value != "claude" {
		t.Errorf("Runner = %+v, want project/claude", rc.Runner)
	}
	if rc.Namespace.Source != SourceEnv || rc.Namespace.Value != "hotfix" {
		t.Errorf("Namespace = %+v, want env/hotfix", rc.Namespace)
	}
	if rc.Model.Source != SourceFlag || rc.Model.Value != "opus" {
		t.Errorf("Model = %+v, want flag/opus", rc.Model)
	}
	if rc.MaxRetries.Source != SourceDefault || rc.MaxRetries.Value != 2 {
		t.Errorf("MaxRetries = %+v, want default/2", rc.MaxRetries)
	}
}

func TestLoad_NoProjectFileUsesDefaults(t *testing.T) {
	repo := t.TempDir()
	cfg, err := Load(repo, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner != "mock" {
		t.Errorf("Runner = %q, want default %q", cfg.Runner, "mock")
	}
}
