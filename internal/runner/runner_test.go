package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_MockSuccess(t *testing.T) {
	a := &Adapter{}
	result, err := a.Run(context.Background(), "mock", "do the thing", t.TempDir(), 5, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRun_UnknownRunner(t *testing.T) {
	a := &Adapter{}
	_, err := a.Run(context.Background(), "nonexistent", "x", t.TempDir(), 5, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown runner identifier")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	a := &Adapter{Registry: Registry{
		"fail": {Command: "false", PromptVia: PromptViaStdin},
	}}
	result, err := a.Run(context.Background(), "fail", "x", t.TempDir(), 5, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Error("expected non-success for exit code 1")
	}
}

func TestRun_Timeout(t *testing.T) {
	a := &Adapter{Registry: Registry{
		"slow": {Command: "sleep", Args: []string{"5"}, PromptVia: PromptViaStdin},
	}}
	start := time.Now()
	result, err := a.Run(context.Background(), "slow", "x", t.TempDir(), 1, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Error("expected non-success on timeout")
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("Run did not respect timeout, took %s", time.Since(start))
	}
}

func TestRun_CallerContextCancelledSendsSIGTERMNotImmediateKill(t *testing.T) {
	// A child that traps SIGTERM and exits cleanly should do so well
	// before the grace period elapses, proving Run asks nicely (via
	// cmd.Cancel) before cmd.WaitDelay would force a hard kill.
	a := &Adapter{Registry: Registry{
		"trapper": {Command: "sh", Args: []string{"-c", `trap 'exit 0' TERM; sleep 5`}, PromptVia: PromptViaStdin},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := a.Run(ctx, "trapper", "x", t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Error("expected non-success when the caller's context is cancelled")
	}
	if elapsed := time.Since(start); elapsed > defaultGracePeriod {
		t.Errorf("Run took %s, want well under the %s grace period (SIGTERM trap should have exited promptly)", elapsed, defaultGracePeriod)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	a := &Adapter{Registry: Registry{
		"ghost": {Command: "arborist-nonexistent-binary-xyz", PromptVia: PromptViaStdin},
	}}
	result, err := a.Run(context.Background(), "ghost", "x", t.TempDir(), 5, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Error("expected non-success for missing binary")
	}
}

func TestRun_CommandPrefixPrepended(t *testing.T) {
	// Use "env" as a stand-in sandbox wrapper: "env <realCommand...>"
	// proves the prefix is prepended ahead of the template's own command.
	a := &Adapter{Registry: Registry{
		"echoer": {Command: "echo", Args: []string{"hello"}, PromptVia: PromptViaStdin},
	}}
	result, err := a.Run(context.Background(), "echoer", "x", t.TempDir(), 5, []string{"env"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Output, "hello") {
		t.Errorf("expected output to contain 'hello', got %q", result.Output)
	}
}

func TestCapOutput_NoopUnderLimit(t *testing.T) {
	if got := capOutput("short", 100); got != "short" {
		t.Errorf("capOutput modified short output: %q", got)
	}
}

func TestCapOutput_TruncatesWithMarker(t *testing.T) {
	big := strings.Repeat("a", 1000)
	got := capOutput(big, 100)
	if len(got) > 150 {
		t.Errorf("expected truncated output, got %d bytes", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("expected truncation marker, got %q", got)
	}
}
