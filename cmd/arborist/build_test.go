package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGitArborist(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, out, err)
	}
	return string(out)
}

func initTargetRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitArborist(t, dir, "init", "-b", "trunk")
	runGitArborist(t, dir, "config", "user.email", "test@example.com")
	runGitArborist(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGitArborist(t, dir, "add", "README.md")
	runGitArborist(t, dir, "commit", "-m", "initial")
	return dir
}

func writeSpecFile(t *testing.T, specDir, body string) {
	t.Helper()
	if err := os.MkdirAll(specDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(specDir, "spec.md"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

// execBuild runs buildCmd directly (bypassing rootCmd) with explicit
// flags on every invocation, since pflag only overwrites a flag's value
// when it appears in args — an omitted flag would otherwise silently
// carry over the previous test's value.
func execBuild(t *testing.T, specDir, targetRepo, namespace string, force bool) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	buildCmd.SetOut(&stdout)
	buildCmd.SetErr(&stderr)
	buildCmd.SetContext(context.Background())

	args := []string{
		"--spec-dir", specDir,
		"--target-repo", targetRepo,
		"--namespace", namespace,
		"--force=false",
		"--ai=false",
	}
	if force {
		args[len(args)-2] = "--force=true"
	}
	buildCmd.SetArgs(args)
	err := buildCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBuild_MaterializesTreeAndReportsSuccess(t *testing.T) {
	targetRepo := initTargetRepo(t)
	specDir := filepath.Join(t.TempDir(), "myspec")
	writeSpecFile(t, specDir, `
## Phase 1: Setup

- [ ] T001 do the first thing
- [ ] T002 do the second thing

## Dependencies

`+"```"+`
T001 → T002
`+"```"+`
`)

	stdout, _, err := execBuild(t, specDir, targetRepo, "feature", false)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !strings.Contains(stdout, "materialized") {
		t.Errorf("stdout = %q, want a materialize summary", stdout)
	}

	branches := runGitArborist(t, targetRepo, "for-each-ref", "--format=%(refname:short)", "refs/heads/feature/**")
	if !strings.Contains(branches, "feature/myspec/phase1/T001") {
		t.Errorf("expected T001 branch to be materialized, got:\n%s", branches)
	}
}

// TestBuild_StructuralConflictFailsWithoutForce exercises spec.md §8
// Scenario D: rematerializing a spec whose task hierarchy changed
// reports a conflict and exits non-zero unless --force is given.
func TestBuild_StructuralConflictFailsWithoutForce(t *testing.T) {
	targetRepo := initTargetRepo(t)
	specParent := t.TempDir()
	specDir := filepath.Join(specParent, "myspec")
	writeSpecFile(t, specDir, `
## Phase 1: Setup

- [ ] T001 do the first thing
- [ ] T002 do the second thing

## Dependencies

`+"```"+`
T001 → T002
`+"```"+`
`)

	if _, _, err := execBuild(t, specDir, targetRepo, "feature", false); err != nil {
		t.Fatalf("initial build failed: %v", err)
	}

	// Re-parent T002 under a new phase: its branch already exists but no
	// longer descends from the new parent's seed commit, which is the
	// divergence ensureBranch reports as a *Conflict.
	writeSpecFile(t, specDir, `
## Phase 1: Setup

- [ ] T001 do the first thing

## Phase 2: Follow-up

- [ ] T002 do the second thing

## Dependencies

`+"```"+`
T001 → T002
`+"```"+`
`)

	_, stderr, err := execBuild(t, specDir, targetRepo, "feature", false)
	if err == nil {
		t.Fatal("expected a structural conflict error without --force, got nil")
	}
	if !strings.Contains(stderr, "conflict") {
		t.Errorf("stderr = %q, want it to mention the conflict", stderr)
	}

	if _, _, err := execBuild(t, specDir, targetRepo, "feature", true); err != nil {
		t.Fatalf("build --force should reconcile the conflict, got: %v", err)
	}

	branches := runGitArborist(t, targetRepo, "for-each-ref", "--format=%(refname:short)", "refs/heads/feature/**")
	if !strings.Contains(branches, "feature/myspec/phase2/T002") {
		t.Errorf("expected T002 to be rematerialized under phase2, got:\n%s", branches)
	}
}

func TestBuild_RejectsAIFlag(t *testing.T) {
	targetRepo := initTargetRepo(t)
	specDir := filepath.Join(t.TempDir(), "myspec")
	writeSpecFile(t, specDir, `
## Phase 1: Setup

- [ ] T001 do the first thing
`)

	var stdout, stderr bytes.Buffer
	buildCmd.SetOut(&stdout)
	buildCmd.SetErr(&stderr)
	buildCmd.SetContext(context.Background())
	buildCmd.SetArgs([]string{
		"--spec-dir", specDir,
		"--target-repo", targetRepo,
		"--namespace", "feature",
		"--force=false",
		"--ai=true",
	})
	if err := buildCmd.Execute(); err == nil {
		t.Fatal("expected --ai to be rejected")
	}
}
