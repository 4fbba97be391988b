// Package vcs is a thin wrapper over the git CLI: branch pointer
// lifecycle, commit creation and description, trailer-aware log queries,
// diffs, and the squash/rebase primitives used for rollup. Every
// operation takes an explicit working-directory argument — no
// process-global cwd, no package-level state — and is process-local:
// concurrent invocation against one working directory is not safe, which
// matches the single-worker premise of the gardener that calls it.
//
// The adapter itself never retries. A caller that wants bounded backoff
// for transient lock contention wraps a call with WithRetry.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// trailerDelim separates the subject/body from the machine-parsed
// trailer block in our log format string; chosen to be vanishingly
// unlikely to appear in a commit subject or trailer value.
const trailerDelim = "\x1f"
const recordDelim = "\x1e"

// Adapter invokes the git binary found on PATH (or at an explicit path)
// for every operation. The zero value uses "git".
type Adapter struct {
	// GitBinary overrides the binary name/path; empty means "git".
	GitBinary string
}

func (a *Adapter) bin() string {
	if a.GitBinary != "" {
		return a.GitBinary
	}
	return "git"
}

// Commit is one entry from a LogSubjectMatches query.
type Commit struct {
	Revision string
	Subject  string
	Body     string
	Trailers map[string]string
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, a.bin(), args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, &OpError{Op: strings.Join(args, " "), Err: fmt.Errorf("timed out: %w", ctx.Err())}
	}
	wrapped := runErr
	if strings.Contains(strings.ToLower(stderr), "unable to create") && strings.Contains(strings.ToLower(stderr), ".lock") {
		wrapped = fmt.Errorf("%w: %v", errTransientLock, runErr)
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout, stderr, &OpError{Op: strings.Join(args, " "), ExitCode: exitCode, Stderr: strings.TrimSpace(stderr), Err: wrapped}
}

// InitOrAttach ensures path is a repository with the required git
// backing, initializing one if absent. Idempotent.
func (a *Adapter) InitOrAttach(ctx context.Context, path string) error {
	if _, _, err := a.run(ctx, path, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	if _, stderr, err := a.run(ctx, path, "init"); err != nil {
		return &OpError{Op: "init_or_attach", Err: ErrNotRepo, Stderr: stderr}
	}
	return nil
}

// LogSubjectMatches returns commits on branch whose subject starts with
// subjectPrefix, newest first, up to limit (0 means unlimited).
func (a *Adapter) LogSubjectMatches(ctx context.Context, dir, branch, subjectPrefix string, limit int) ([]Commit, error) {
	format := "%H" + trailerDelim + "%s" + trailerDelim + "%b" + trailerDelim + "%(trailers:only=true,unfold=true)" + recordDelim
	args := []string{"log", branch, "--pretty=format:" + format}
	stdout, stderr, err := a.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	_ = stderr
	var out []Commit
	for _, rec := range strings.Split(stdout, recordDelim) {
		rec = strings.TrimRight(rec, "\n")
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, trailerDelim, 4)
		if len(fields) != 4 {
			continue
		}
		subject := fields[1]
		if !strings.HasPrefix(subject, subjectPrefix) {
			continue
		}
		c := Commit{
			Revision: fields[0],
			Subject:  subject,
			Body:     strings.TrimSpace(fields[2]),
			Trailers: parseTrailers(fields[3]),
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseTrailers(block string) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		trailers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return trailers
}

// BranchCreate creates a branch pointer at atRevision. Returns
// ErrBranchExists if the name is already taken.
func (a *Adapter) BranchCreate(ctx context.Context, dir, name, atRevision string) error {
	if _, _, err := a.run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		return &OpError{Op: "branch_create", Err: ErrBranchExists}
	}
	if _, stderr, err := a.run(ctx, dir, "branch", name, atRevision); err != nil {
		return &OpError{Op: "branch_create", Stderr: stderr, Err: err}
	}
	return nil
}

// BranchList returns branch names matching a shell-style glob.
func (a *Adapter) BranchList(ctx context.Context, dir, glob string) ([]string, error) {
	stdout, _, err := a.run(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+glob)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// BranchDelete deletes the named pointer; a no-op (returns false, nil)
// if it's already absent.
func (a *Adapter) BranchDelete(ctx context.Context, dir, name string) (bool, error) {
	if _, _, err := a.run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err != nil {
		return false, nil
	}
	if _, stderr, err := a.run(ctx, dir, "branch", "-D", name); err != nil {
		return false, &OpError{Op: "branch_delete", Stderr: stderr, Err: err}
	}
	return true, nil
}

// RevParse resolves ref (a branch name, tag, or revision) to its full
// commit hash.
func (a *Adapter) RevParse(ctx context.Context, dir, ref string) (string, error) {
	stdout, stderr, err := a.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", &OpError{Op: "rev_parse", Stderr: stderr, Err: err}
	}
	return strings.TrimSpace(stdout), nil
}

// BranchForceUpdate moves name's ref to atRevision regardless of where
// it currently points, creating it if absent. Used by rollup: Squash
// necessarily detaches HEAD to build the folded commit, so the parent
// branch ref has to be advanced explicitly afterward rather than by
// having landed there via an ordinary commit.
func (a *Adapter) BranchForceUpdate(ctx context.Context, dir, name, atRevision string) error {
	if _, stderr, err := a.run(ctx, dir, "branch", "-f", name, atRevision); err != nil {
		return &OpError{Op: "branch_force_update", Stderr: stderr, Err: err}
	}
	return nil
}

// SwitchTo positions the working copy on revisionOrBranch. When the
// argument names a branch, this must land ON that branch (not detached)
// so a subsequent NewChange advances the branch pointer itself — every
// step executor depends on this to make its commit visible to a later
// LogSubjectMatches(branch, ...) call. Detached checkout is only the
// fallback for a bare revision (a SHA, or another branch's tip used as a
// read-only vantage point), which "switch" alone cannot target directly.
func (a *Adapter) SwitchTo(ctx context.Context, dir, revisionOrBranch string) error {
	if _, stderr, err := a.run(ctx, dir, "switch", revisionOrBranch); err != nil {
		if _, stderr2, err2 := a.run(ctx, dir, "switch", "--detach", revisionOrBranch); err2 != nil {
			return &OpError{Op: "switch_to", Stderr: stderr + stderr2, Err: err2}
		}
		_ = stderr
	}
	return nil
}

// NewChange creates a commit with the given parent revisions and message,
// leaving the working copy positioned on it. With a single parent this is
// an ordinary commit; multiple parents produce a merge commit.
func (a *Adapter) NewChange(ctx context.Context, dir string, parentRevisions []string, message string) (string, error) {
	if len(parentRevisions) > 1 {
		args := append([]string{"merge", "--no-ff", "--no-edit", "-m", message}, parentRevisions[1:]...)
		if _, stderr, err := a.run(ctx, dir, args...); err != nil {
			if isConflictOutput(stderr) {
				_, _, _ = a.run(ctx, dir, "merge", "--abort")
				return "", &OpError{Op: "new_change", Stderr: stderr, Err: ErrMergeConflict}
			}
			return "", &OpError{Op: "new_change", Stderr: stderr, Err: err}
		}
	} else {
		if _, stderr, err := a.run(ctx, dir, "commit", "--allow-empty", "-m", message); err != nil {
			return "", &OpError{Op: "new_change", Stderr: stderr, Err: err}
		}
	}
	stdout, _, err := a.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func isConflictOutput(stderr string) bool {
	l := strings.ToLower(stderr)
	return strings.Contains(l, "conflict") || strings.Contains(l, "automatic merge failed")
}

// StageAll stages every tracked and untracked change in the working
// copy, ahead of a NewChange call that should capture a runner's edits.
func (a *Adapter) StageAll(ctx context.Context, dir string) error {
	if _, stderr, err := a.run(ctx, dir, "add", "-A"); err != nil {
		return &OpError{Op: "stage_all", Stderr: stderr, Err: err}
	}
	return nil
}

// Describe overwrites the message (subject + body + trailers) of the
// given revision, which must still be the tip of its branch and authored
// by this process — it is never used to rewrite published history.
func (a *Adapter) Describe(ctx context.Context, dir, revision, message string) error {
	if _, stderr, err := a.run(ctx, dir, "commit", "--amend", "-m", message); err != nil {
		return &OpError{Op: "describe", Stderr: stderr, Err: err}
	}
	return nil
}

// Diff produces a unified diff between base and head, truncated to
// maxBytes (head and tail retained with a truncation marker), for
// embedding in a review prompt.
func (a *Adapter) Diff(ctx context.Context, dir, base, head string, maxBytes int) (string, error) {
	stdout, stderr, err := a.run(ctx, dir, "diff", base+".."+head)
	if err != nil {
		return "", &OpError{Op: "diff", Stderr: stderr, Err: err}
	}
	return truncateMiddle(stdout, maxBytes), nil
}

// truncateMiddle keeps the head and tail of s within maxBytes total,
// replacing the middle with a marker. maxBytes<=0 disables truncation.
func truncateMiddle(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	marker := "\n...[truncated]...\n"
	keep := maxBytes - len(marker)
	if keep < 0 {
		keep = 0
	}
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}

// Squash folds the content of fromRevision into intoRevision, used for
// merge-up when the rollup strategy is squash rather than merge commit.
func (a *Adapter) Squash(ctx context.Context, dir, fromRevision, intoRevision string) error {
	if _, stderr, err := a.run(ctx, dir, "switch", "--detach", intoRevision); err != nil {
		return &OpError{Op: "squash", Stderr: stderr, Err: err}
	}
	if stdout, stderr, err := a.run(ctx, dir, "merge", "--squash", fromRevision); err != nil {
		// git prints its CONFLICT lines to stdout, so both streams count.
		output := strings.TrimSpace(stdout + stderr)
		if isConflictOutput(output) {
			// A squash leaves no MERGE_HEAD for "merge --abort" to use;
			// "reset --merge" restores the index and working copy.
			_, _, _ = a.run(ctx, dir, "reset", "--merge")
			return &OpError{Op: "squash", Stderr: output, Err: ErrMergeConflict}
		}
		return &OpError{Op: "squash", Stderr: stderr, Err: err}
	}
	return nil
}

// Rebase moves revision onto a new base, used for sibling propagation
// after a merge-up.
func (a *Adapter) Rebase(ctx context.Context, dir, revision, onto string) error {
	if _, stderr, err := a.run(ctx, dir, "switch", revision); err != nil {
		return &OpError{Op: "rebase", Stderr: stderr, Err: err}
	}
	if _, stderr, err := a.run(ctx, dir, "rebase", onto); err != nil {
		if isConflictOutput(stderr) {
			_, _, _ = a.run(ctx, dir, "rebase", "--abort")
			return &OpError{Op: "rebase", Stderr: stderr, Err: ErrMergeConflict}
		}
		return &OpError{Op: "rebase", Stderr: stderr, Err: err}
	}
	return nil
}

// TrailersOf extracts trailer key/value pairs from revision using git's
// own trailer parser.
func (a *Adapter) TrailersOf(ctx context.Context, dir, revision string) (map[string]string, error) {
	stdout, stderr, err := a.run(ctx, dir, "log", "-1", "--pretty=format:%(trailers:only=true,unfold=true)", revision)
	if err != nil {
		return nil, &OpError{Op: "trailers_of", Stderr: stderr, Err: err}
	}
	return parseTrailers(stdout), nil
}

// IsAncestor reports whether ancestor is reachable from descendant's
// history — used by the materializer to confirm an already-existing
// branch still descends from its expected parent branch before treating
// a re-run as idempotent.
func (a *Adapter) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, _, err := a.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// WithRetry wraps op with bounded exponential backoff, retrying only
// while op returns a transient *OpError (backend lock contention). Fatal
// errors (missing binary, detached state, non-transient failures) return
// immediately on the first attempt. The adapter's own methods never call
// this themselves — retry is always the caller's decision, per the
// adapter's failure-semantics contract.
func WithRetry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var opErr *OpError
		if errors.As(err, &opErr) && opErr.Transient() {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
