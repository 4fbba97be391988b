// Package executor carries out one protocol step — implement, test, or
// review — against a task's branch. Each is an atomic unit from the
// outside: it either appends exactly one step commit with full trailers
// or surfaces an error and appends nothing. Sidecar artifacts (test
// logs, review logs) are written before the commit; if the commit step
// then fails, those files are orphaned but harmless.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/pennyworth-tech/arborist/internal/runner"
)

// bodyTailCap bounds how much of a log is retained in a commit body;
// full output still lives in the sidecar artifact file.
const bodyTailCap = 4000

// Outcome reports whether a step succeeded and the revision of the
// commit it wrote.
type Outcome struct {
	Success bool
	Commit  string
}

// VCS is the subset of the vcs.Adapter the executors depend on.
type VCS interface {
	SwitchTo(ctx context.Context, dir, revisionOrBranch string) error
	StageAll(ctx context.Context, dir string) error
	NewChange(ctx context.Context, dir string, parentRevisions []string, message string) (string, error)
	Diff(ctx context.Context, dir, base, head string, maxBytes int) (string, error)
}

// Runner is the subset of the runner.Adapter the executors depend on.
type Runner interface {
	Run(ctx context.Context, runnerID, promptText, workingDirectory string, timeoutSeconds int, commandPrefix []string, environment []string) (runner.Result, error)
}

// newCorrelationID returns a short id distinguishing two artifacts for
// the same task that land within the same wall-clock second.
func newCorrelationID() string {
	return uuid.New().String()[:8]
}

// writeArtifact atomically writes content under logDir, named
// "<id>_<kind>_<timestamp>_<correlation>.log", and returns its path.
func writeArtifact(logDir, id, kind string, content []byte) (string, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	name := fmt.Sprintf("%s_%s_%s_%s.log", id, kind, time.Now().UTC().Format("20060102T150405Z"), newCorrelationID())
	path := filepath.Join(logDir, name)
	if err := renameio.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}
	return path, nil
}

// tailBytes keeps the last n bytes of s, matching the spec's "last N
// chars of stdout/stderr" truncation for commit bodies.
func tailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "...[truncated]...\n" + s[len(s)-n:]
}

// trailerBlock joins key:value pairs with newlines, the commit-message
// footer format parsed by vcs.TrailersOf.
func trailerBlock(pairs ...string) string {
	return strings.Join(pairs, "\n")
}

// commitMessage assembles subject, body, and trailers into the single
// message string NewChange expects.
func commitMessage(subject, body, trailers string) string {
	parts := []string{subject}
	if strings.TrimSpace(body) != "" {
		parts = append(parts, body)
	}
	parts = append(parts, trailers)
	return strings.Join(parts, "\n\n")
}
