// Package statereader derives a task's protocol.TaskState purely from
// the commit trailers on its branch: the repository is the only
// authoritative source, so two observers reading it at the same moment
// must compute the same state. No result here is ever cached across
// calls — every query re-reads the log, matching the controller's
// "no in-memory task state is authoritative" contract.
package statereader

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/protocol"
	"github.com/pennyworth-tech/arborist/internal/tasktree"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

// VCS is the subset of the vcs.Adapter the state reader depends on.
type VCS interface {
	LogSubjectMatches(ctx context.Context, dir, branch, subjectPrefix string, limit int) ([]vcs.Commit, error)
}

// Reader answers protocol-state queries over a repository using a VCS
// adapter. The zero value is unusable; VCS must be set.
type Reader struct {
	VCS VCS
}

// taskIDFromBranch extracts the trailing path segment of a hierarchical
// branch name, which is always the task's own id.
func taskIDFromBranch(branch string) string {
	parts := strings.Split(branch, "/")
	return parts[len(parts)-1]
}

func subjectPrefix(id string) string {
	return fmt.Sprintf("task(%s): ", id)
}

// cycleCommits returns every commit on branch belonging to the task's
// current attempt cycle: the step commits (implement/test/review) back
// to, but not including, the most recent seed or complete commit. An
// empty result means the task has never attempted a step since it last
// became (or started) pending.
func (r *Reader) cycleCommits(ctx context.Context, dir, branch, id string) ([]vcs.Commit, error) {
	all, err := r.VCS.LogSubjectMatches(ctx, dir, branch, subjectPrefix(id), 0)
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", branch, err)
	}
	var cycle []vcs.Commit
	for _, c := range all {
		step := c.Trailers["Arborist-Step"]
		if step != "implement" && step != "test" && step != "review" {
			break
		}
		cycle = append(cycle, c)
	}
	return cycle, nil
}

// State derives the task's TaskState, per spec: query commits on branch
// whose subject begins with "task(<id>): ", newest first; if the most
// recent is a complete commit, map Arborist-Result to complete/failed;
// otherwise map the most recent Arborist-Step to its in-flight state; if
// no matching commit exists, the branch only has its materializer seed
// and the state is pending.
func (r *Reader) State(ctx context.Context, dir, branch string) (protocol.TaskState, error) {
	id := taskIDFromBranch(branch)
	commits, err := r.VCS.LogSubjectMatches(ctx, dir, branch, subjectPrefix(id), 1)
	if err != nil {
		return "", fmt.Errorf("read state for %s: %w", branch, err)
	}
	if len(commits) == 0 {
		return protocol.StatePending, nil
	}
	latest := commits[0]
	switch latest.Trailers["Arborist-Step"] {
	case "complete":
		if latest.Trailers["Arborist-Result"] == "pass" {
			return protocol.StateComplete, nil
		}
		return protocol.StateFailed, nil
	case "implement":
		return protocol.StateImplementing, nil
	case "test":
		return protocol.StateTesting, nil
	case "review":
		return protocol.StateReviewing, nil
	default:
		// Only the seed commit ("Arborist-Step: pending") or an
		// unrecognized trailer value; both read as pending.
		return protocol.StatePending, nil
	}
}

// LastResult derives the protocol.Result of the most recent task(<id>):
// step commit on branch — the (step, success) pair the protocol state
// machine needs alongside State to compute the real next action. A
// branch with no step commit yet (only its seed) returns the zero
// Result, matching Transition's treatment of a freshly pending task.
func (r *Reader) LastResult(ctx context.Context, dir, branch string) (protocol.Result, error) {
	id := taskIDFromBranch(branch)
	commits, err := r.VCS.LogSubjectMatches(ctx, dir, branch, subjectPrefix(id), 1)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("read last result for %s: %w", branch, err)
	}
	if len(commits) == 0 {
		return protocol.Result{}, nil
	}
	latest := commits[0]
	switch latest.Trailers["Arborist-Step"] {
	case "implement":
		return protocol.Result{Step: protocol.StepImplement, Success: latest.Trailers["Arborist-Result"] == "pass"}, nil
	case "test":
		return protocol.Result{Step: protocol.StepTest, Success: latest.Trailers["Arborist-Test"] == "pass"}, nil
	case "review":
		return protocol.Result{Step: protocol.StepReview, Success: latest.Trailers["Arborist-Review"] == "approved"}, nil
	default:
		return protocol.Result{}, nil
	}
}

// LastAttempt returns the maximum Arborist-Retry seen among the
// commits in the task's current attempt cycle, or 0 if the cycle has no
// step commits yet.
func (r *Reader) LastAttempt(ctx context.Context, dir, branch string) (int, error) {
	id := taskIDFromBranch(branch)
	cycle, err := r.cycleCommits(ctx, dir, branch, id)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, c := range cycle {
		n, convErr := strconv.Atoi(c.Trailers["Arborist-Retry"])
		if convErr == nil && n > max {
			max = n
		}
	}
	return max, nil
}

// LastFailureBodies returns the subject+body of the most recent failed
// implement/test/review commits on branch (newest first, up to limit),
// to feed back into the next implement prompt as "lessons learned".
func (r *Reader) LastFailureBodies(ctx context.Context, dir, branch string, limit int) ([]string, error) {
	id := taskIDFromBranch(branch)
	all, err := r.VCS.LogSubjectMatches(ctx, dir, branch, subjectPrefix(id), 0)
	if err != nil {
		return nil, fmt.Errorf("read failures for %s: %w", branch, err)
	}
	var out []string
	for _, c := range all {
		if !isFailure(c) {
			continue
		}
		out = append(out, c.Subject+"\n\n"+c.Body)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func isFailure(c vcs.Commit) bool {
	switch c.Trailers["Arborist-Step"] {
	case "implement":
		return c.Trailers["Arborist-Result"] == "fail"
	case "test":
		return c.Trailers["Arborist-Test"] == "fail"
	case "review":
		return c.Trailers["Arborist-Review"] == "rejected"
	default:
		return false
	}
}

// IsReady reports whether id's dependencies (per tree) are all
// complete, reading each dependency's state fresh from the repository.
func (r *Reader) IsReady(ctx context.Context, dir string, tree *tasktree.TaskTree, id string) (bool, error) {
	node, ok := tree.Nodes[id]
	if !ok {
		return false, fmt.Errorf("is_ready: unknown task id %q", id)
	}
	for _, dep := range node.DependsOn {
		state, err := r.State(ctx, dir, tree.BranchName(dep))
		if err != nil {
			return false, err
		}
		if state != protocol.StateComplete {
			return false, nil
		}
	}
	return true, nil
}
