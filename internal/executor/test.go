package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
)

// TestParams carries everything Test needs to run one test attempt for
// a single task node.
type TestParams struct {
	Dir         string
	Node        *tasktree.TaskNode
	Branch      string
	TestCommand string
	TestType    string
	Retry       int
	LogDir      string
}

// Test executes TestCommand as a child process in the working copy,
// captures stdout/stderr and wall-clock duration, and appends exactly
// one commit recording pass or fail. A failing run's full combined
// output is written to a sidecar log file referenced by trailer.
func Test(ctx context.Context, v VCS, p TestParams) (Outcome, error) {
	if err := v.SwitchTo(ctx, p.Dir, p.Branch); err != nil {
		return Outcome{}, fmt.Errorf("test %s: %w", p.Node.ID, err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", p.TestCommand)
	cmd.Dir = p.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	duration := time.Since(start)

	passed := runErr == nil
	retryStr := strconv.Itoa(p.Retry)
	counts, hasCounts := parseTestCounts(stdout.String() + stderr.String())

	baseTrailers := []string{
		"Arborist-Step: test",
		"Arborist-Retry: " + retryStr,
		"Arborist-Test-Type: " + p.TestType,
		"Arborist-Test-Runtime: " + duration.Round(time.Millisecond).String(),
	}
	if hasCounts {
		baseTrailers = append(baseTrailers,
			fmt.Sprintf("Arborist-Test-Passed: %d", counts.passed),
			fmt.Sprintf("Arborist-Test-Failed: %d", counts.failed),
		)
	}

	if passed {
		subject := fmt.Sprintf("task(%s): tests pass for %q", p.Node.ID, p.Node.Name)
		trailers := append([]string{"Arborist-Test: pass"}, baseTrailers...)
		message := commitMessage(subject, tailBytes(stdout.String(), bodyTailCap), trailerBlock(trailers...))
		rev, err := v.NewChange(ctx, p.Dir, nil, message)
		if err != nil {
			return Outcome{}, fmt.Errorf("test %s: record pass: %w", p.Node.ID, err)
		}
		return Outcome{Success: true, Commit: rev}, nil
	}

	combined := stdout.String() + "\n" + stderr.String()
	logPath, writeErr := writeArtifact(p.LogDir, p.Node.ID, "test", []byte(combined))
	if writeErr != nil {
		return Outcome{}, fmt.Errorf("test %s: %w", p.Node.ID, writeErr)
	}

	subject := fmt.Sprintf("task(%s): tests fail for %q", p.Node.ID, p.Node.Name)
	trailers := append([]string{"Arborist-Test: fail", "Arborist-Test-Log: " + logPath}, baseTrailers...)
	message := commitMessage(subject, tailBytes(stderr.String()+"\n"+stdout.String(), bodyTailCap), trailerBlock(trailers...))
	rev, err := v.NewChange(ctx, p.Dir, nil, message)
	if err != nil {
		return Outcome{}, fmt.Errorf("test %s: record fail: %w", p.Node.ID, err)
	}
	return Outcome{Success: false, Commit: rev}, nil
}

type testCounts struct {
	passed int
	failed int
}

var (
	goTestFailLine = regexp.MustCompile(`(?m)^--- FAIL:`)
	goTestPassLine = regexp.MustCompile(`(?m)^--- PASS:`)
)

// parseTestCounts recognizes `go test -v` output and extracts pass/fail
// subtest counts; any other format reports hasCounts=false and the
// commit carries no count trailers.
func parseTestCounts(output string) (counts testCounts, hasCounts bool) {
	passes := goTestPassLine.FindAllString(output, -1)
	fails := goTestFailLine.FindAllString(output, -1)
	if len(passes) == 0 && len(fails) == 0 {
		return testCounts{}, false
	}
	return testCounts{passed: len(passes), failed: len(fails)}, true
}
