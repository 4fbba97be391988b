// Package gardener implements the single-worker control loop that
// drives every leaf through the implement/test/review protocol and
// folds completed subtrees back up into their parents. It owns no
// authoritative state of its own — every decision is made by re-reading
// the repository through a statereader.Reader, so a restart after any
// failure resumes exactly where the repository's commit history left
// off. Plain Go errors only: per internal/arberr's own contract, this
// package never constructs an arberr.Error — that classification
// happens at the CLI boundary.
package gardener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/pennyworth-tech/arborist/internal/arblog"
	"github.com/pennyworth-tech/arborist/internal/config"
	"github.com/pennyworth-tech/arborist/internal/executor"
	"github.com/pennyworth-tech/arborist/internal/protocol"
	"github.com/pennyworth-tech/arborist/internal/tasktree"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

// diffMaxBytes bounds the diff embedded in a review prompt; not a
// recognized configuration option (§6 lists none), since it affects
// prompt construction rather than any externally observable artifact.
const diffMaxBytes = 48 * 1024

// lessonsLimit bounds how many prior-failure bodies are folded into an
// implement retry's prompt.
const lessonsLimit = 5

// VCS is the subset of the vcs.Adapter the gardener depends on,
// extending executor.VCS with the operations merge_up and finalization
// need: history queries, ancestry checks, and the squash/force-update
// pair that folds a child branch into a parent without requiring the
// working copy to stay attached to a branch mid-fold.
type VCS interface {
	executor.VCS
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
	Squash(ctx context.Context, dir, fromRevision, intoRevision string) error
	BranchForceUpdate(ctx context.Context, dir, name, atRevision string) error
	RevParse(ctx context.Context, dir, ref string) (string, error)
}

// Reader is the subset of statereader.Reader the gardener depends on.
type Reader interface {
	State(ctx context.Context, dir, branch string) (protocol.TaskState, error)
	LastResult(ctx context.Context, dir, branch string) (protocol.Result, error)
	LastAttempt(ctx context.Context, dir, branch string) (int, error)
	LastFailureBodies(ctx context.Context, dir, branch string, limit int) ([]string, error)
}

// Report is the JSON artifact written alongside a task's terminal
// commit, per §6's persisted-state schema.
type Report struct {
	TaskID  string `json:"task_id"`
	Result  string `json:"result"`
	Retries int    `json:"retries"`
}

// BlockedTask describes one leaf a StallError cannot drive further.
type BlockedTask struct {
	ID     string
	Reason string
}

// StallError reports that the gardener found no ready, undriven leaf
// while the spec is not yet complete. It is a plain error, not an
// arberr.Error — the CLI layer is responsible for classifying it as
// arberr.CodeStall.
type StallError struct {
	Blocked []BlockedTask
}

func (e *StallError) Error() string {
	var b strings.Builder
	b.WriteString("stalled: no ready task to drive\n")
	for _, t := range e.Blocked {
		fmt.Fprintf(&b, "  %s: %s\n", t.ID, t.Reason)
	}
	return b.String()
}

// RollupConflictError reports that merge_up could not fold a parent's
// children because the backend found overlapping, conflicting edits.
type RollupConflictError struct {
	ParentID string
	Detail   string
}

func (e *RollupConflictError) Error() string {
	return fmt.Sprintf("rollup conflict folding children of %s: %s", e.ParentID, e.Detail)
}

// OnTaskComplete is invoked once per leaf as it reaches a terminal
// state, letting the CLI's `run` command print the one-line-per-task
// progress output §6 requires without the controller importing any
// rendering package.
type OnTaskComplete func(id string, success bool)

// Controller drives Tree to completion in Dir using VCS for repository
// operations, Runner for agent invocations, and Reader to observe state.
type Controller struct {
	VCS      VCS
	Runner   executor.Runner
	Reader   Reader
	Tree     *tasktree.TaskTree
	Config   *config.Config
	Dir      string

	// SpecContext is free-form text (e.g. the original spec section for
	// a task's phase) folded into every implement prompt.
	SpecContext string

	// TrunkBranch is the root-level branch roots are folded into once
	// the whole spec completes. Empty defaults to "trunk", matching the
	// materializer's default.
	TrunkBranch string

	OnTaskComplete OnTaskComplete

	// Log receives verbose progress lines and structured per-task event
	// records. A nil *arblog.Logger is a silent no-op, so callers that
	// don't care about logging never need to set it.
	Log *arblog.Logger
}

func (c *Controller) trunk() string {
	if c.TrunkBranch != "" {
		return c.TrunkBranch
	}
	return "trunk"
}

func (c *Controller) notify(id string, success bool) {
	if c.OnTaskComplete != nil {
		c.OnTaskComplete(id, success)
	}
}

// Run drives the tree to completion: repeatedly selecting the first
// ready, undriven leaf, driving it through the protocol, and folding
// completed subtrees upward, until every node is complete (success) or
// no further progress is possible (a *StallError).
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		states, err := c.allStates(ctx)
		if err != nil {
			return err
		}

		if c.allComplete(states) {
			return c.finalizeSpec(ctx)
		}

		completed := make(map[string]bool, len(states))
		for id, s := range states {
			completed[id] = s == protocol.StateComplete
		}

		var candidate *tasktree.TaskNode
		for _, leaf := range c.Tree.ReadyLeaves(completed) {
			s := states[leaf.ID]
			if s != protocol.StateComplete && s != protocol.StateFailed {
				candidate = leaf
				break
			}
		}

		if candidate == nil {
			if stall := c.diagnoseStall(states, completed); stall != nil {
				return stall
			}
			// No undriven leaf and nothing diagnosably blocked: every
			// leaf is complete but some ancestor's rollup hasn't caught
			// up yet. Run merge_up from every complete leaf and loop
			// again.
			if err := c.foldAnyPendingRollups(ctx, states); err != nil {
				return err
			}
			continue
		}

		c.Log.Verbosef("driving %s (branch %s)", candidate.ID, c.Tree.BranchName(candidate.ID))
		success, err := c.drive(ctx, candidate)
		if err != nil {
			return err
		}
		c.notify(candidate.ID, success)
		c.Log.Event("gardener", "task driven", map[string]any{"task_id": candidate.ID, "success": success})

		if success {
			if err := c.mergeUp(ctx, candidate.ID); err != nil {
				return err
			}
		}
	}
}

// allStates queries protocol.TaskState for every node in the tree
// (leaves and internal nodes alike, since merge_up marks internal nodes
// complete too).
func (c *Controller) allStates(ctx context.Context) (map[string]protocol.TaskState, error) {
	states := make(map[string]protocol.TaskState, len(c.Tree.Nodes))
	for id := range c.Tree.Nodes {
		s, err := c.Reader.State(ctx, c.Dir, c.Tree.BranchName(id))
		if err != nil {
			return nil, fmt.Errorf("read state of %s: %w", id, err)
		}
		states[id] = s
	}
	return states, nil
}

func (c *Controller) allComplete(states map[string]protocol.TaskState) bool {
	for _, s := range states {
		if s != protocol.StateComplete {
			return false
		}
	}
	return true
}

// diagnoseStall explains, for every leaf not yet complete, why it
// cannot be driven: either it failed out, or one of its dependencies
// hasn't completed. Returns nil if no leaf is failed or waiting on a
// dependency (when Run calls it, every leaf is then complete and the
// blockage, if any, is purely in pending rollups).
func (c *Controller) diagnoseStall(states map[string]protocol.TaskState, completed map[string]bool) *StallError {
	var blocked []BlockedTask
	for _, leaf := range c.Tree.Leaves() {
		switch states[leaf.ID] {
		case protocol.StateComplete:
			continue
		case protocol.StateFailed:
			blocked = append(blocked, BlockedTask{ID: leaf.ID, Reason: "failed after exhausting retries"})
		default:
			var unmet []string
			for _, dep := range leaf.DependsOn {
				if !completed[dep] {
					unmet = append(unmet, dep)
				}
			}
			if len(unmet) > 0 {
				sort.Strings(unmet)
				blocked = append(blocked, BlockedTask{ID: leaf.ID, Reason: "waiting on incomplete dependencies: " + strings.Join(unmet, ", ")})
			}
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	return &StallError{Blocked: blocked}
}

// foldAnyPendingRollups handles the case where every leaf is complete
// but an ancestor still hasn't been rolled up (e.g. the process was
// killed between a leaf's complete commit and its merge_up call).
func (c *Controller) foldAnyPendingRollups(ctx context.Context, states map[string]protocol.TaskState) error {
	for _, leaf := range c.Tree.Leaves() {
		if states[leaf.ID] != protocol.StateComplete {
			continue
		}
		if err := c.mergeUp(ctx, leaf.ID); err != nil {
			return err
		}
	}
	return nil
}

// drive runs leaf through the implement/test/review protocol until it
// reaches a terminal state, resuming the retry counter from the
// repository (statereader.LastAttempt) rather than assuming a fresh
// process always starts at 0 — required for the "process killed
// mid-implement, attempt index unchanged on restart" property.
func (c *Controller) drive(ctx context.Context, leaf *tasktree.TaskNode) (bool, error) {
	branch := c.Tree.BranchName(leaf.ID)
	maxRetries := c.Config.MaxRetries

	attempt, err := c.Reader.LastAttempt(ctx, c.Dir, branch)
	if err != nil {
		return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
	}
	// A failed step commit already spent the attempt index it carries,
	// so a run resuming after one continues at the next index.
	last, err := c.Reader.LastResult(ctx, c.Dir, branch)
	if err != nil {
		return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
	}
	if last.Step != protocol.StepNone && !last.Success {
		attempt++
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		state, err := c.Reader.State(ctx, c.Dir, branch)
		if err != nil {
			return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
		}
		if state == protocol.StateComplete {
			return true, nil
		}
		if state == protocol.StateFailed {
			return false, nil
		}

		if attempt >= maxRetries {
			if err := c.writeTerminal(ctx, leaf, branch, attempt, false); err != nil {
				return false, err
			}
			return false, nil
		}

		result, err := c.Reader.LastResult(ctx, c.Dir, branch)
		if err != nil {
			return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
		}
		_, step := protocol.Transition(state, result)
		c.Log.Verbosef("%s: state=%s step=%s attempt=%d/%d", leaf.ID, state, step, attempt, maxRetries)

		switch step {
		case protocol.StepImplement:
			lessons, err := c.Reader.LastFailureBodies(ctx, c.Dir, branch, lessonsLimit)
			if err != nil {
				return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
			}
			outcome, err := executor.Implement(ctx, c.VCS, c.Runner, executor.ImplementParams{
				Dir:            c.Dir,
				Node:           leaf,
				Branch:         branch,
				SpecContext:    c.SpecContext,
				RunnerID:       c.Config.Runner,
				Model:          c.Config.Model,
				TimeoutSeconds: c.Config.Timeouts.Implement,
				CommandPrefix:  c.Config.CommandPrefix,
				Retry:          attempt,
				MaxRetries:     maxRetries,
				Lessons:        lessons,
			})
			if err != nil {
				return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
			}
			if !outcome.Success {
				attempt++
			}

		case protocol.StepTest:
			testCommand := leaf.TestCommand
			if testCommand == "" {
				testCommand = c.Config.TestCommand
			}
			testType := leaf.TestType
			if testType == "" {
				testType = "unit"
			}
			outcome, err := executor.Test(ctx, c.VCS, executor.TestParams{
				Dir:         c.Dir,
				Node:        leaf,
				Branch:      branch,
				TestCommand: testCommand,
				TestType:    testType,
				Retry:       attempt,
				LogDir:      c.Config.LogDir,
			})
			if err != nil {
				return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
			}
			if !outcome.Success {
				attempt++
			}

		case protocol.StepReview:
			parentBranch := c.trunk()
			if parent := c.Tree.Parent(leaf.ID); parent != nil {
				parentBranch = c.Tree.BranchName(parent.ID)
			}
			outcome, err := executor.Review(ctx, c.VCS, c.Runner, executor.ReviewParams{
				Dir:            c.Dir,
				Node:           leaf,
				Branch:         branch,
				ParentBranch:   parentBranch,
				RunnerID:       c.Config.Runner,
				TimeoutSeconds: c.Config.Timeouts.Review,
				CommandPrefix:  c.Config.CommandPrefix,
				Retry:          attempt,
				LogDir:         c.Config.LogDir,
				DiffMaxBytes:   diffMaxBytes,
			})
			if err != nil {
				return false, fmt.Errorf("drive %s: %w", leaf.ID, err)
			}
			if outcome.Success {
				if err := c.writeTerminal(ctx, leaf, branch, attempt, true); err != nil {
					return false, err
				}
				return true, nil
			}
			attempt++

		default:
			// StepNone: state is already terminal, handled above. A
			// defensive fallback rather than a reachable branch.
			return state == protocol.StateComplete, nil
		}
	}
}

// writeTerminal appends the task's final commit (complete/pass or
// complete/fail) and its completion report, per §6's persisted-state
// schema.
func (c *Controller) writeTerminal(ctx context.Context, leaf *tasktree.TaskNode, branch string, retries int, success bool) error {
	if err := c.VCS.SwitchTo(ctx, c.Dir, branch); err != nil {
		return fmt.Errorf("write terminal commit for %s: %w", leaf.ID, err)
	}

	result := "fail"
	if success {
		result = "pass"
	}
	reportPath, err := writeReport(c.Config.ReportDir, leaf.ID, Report{TaskID: leaf.ID, Result: result, Retries: retries})
	if err != nil {
		return fmt.Errorf("write terminal commit for %s: %w", leaf.ID, err)
	}

	var subject string
	if success {
		subject = fmt.Sprintf("task(%s): complete %q", leaf.ID, leaf.Name)
	} else {
		subject = fmt.Sprintf("task(%s): failed %q after %d retries", leaf.ID, leaf.Name, retries)
	}
	trailers := []string{
		"Arborist-Step: complete",
		"Arborist-Result: " + result,
		"Arborist-Report: " + reportPath,
	}
	message := subject + "\n\n" + strings.Join(trailers, "\n")
	if _, err := c.VCS.NewChange(ctx, c.Dir, nil, message); err != nil {
		return fmt.Errorf("write terminal commit for %s: %w", leaf.ID, err)
	}
	return nil
}

func writeReport(reportDir, taskID string, report Report) (string, error) {
	if err := ensureDir(reportDir); err != nil {
		return "", err
	}
	body, err := marshalReport(report)
	if err != nil {
		return "", err
	}
	path := reportDir + "/" + taskID + "_run_" + isoTimestamp() + ".json"
	if err := renameio.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}

func marshalReport(r Report) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"task_id":%q,"result":%q,"retries":%d}`+"\n", r.TaskID, r.Result, r.Retries)), nil
}

func isoTimestamp() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

// mergeUp folds completedID's branch, and every sibling's, into their
// shared parent once the parent's entire subtree (every descendant
// leaf) is complete, then recurses upward. It is idempotent: a parent
// already marked complete is left untouched.
func (c *Controller) mergeUp(ctx context.Context, completedID string) error {
	parent := c.Tree.Parent(completedID)
	if parent == nil {
		// completedID is a root; finalization happens once every root
		// is complete, in finalizeSpec.
		return nil
	}

	parentBranch := c.Tree.BranchName(parent.ID)
	parentState, err := c.Reader.State(ctx, c.Dir, parentBranch)
	if err != nil {
		return fmt.Errorf("merge_up %s: %w", parent.ID, err)
	}
	if parentState == protocol.StateComplete {
		return nil
	}

	for _, d := range c.Tree.DescendantLeaves(parent.ID) {
		s, err := c.Reader.State(ctx, c.Dir, c.Tree.BranchName(d.ID))
		if err != nil {
			return fmt.Errorf("merge_up %s: %w", parent.ID, err)
		}
		if s != protocol.StateComplete {
			// Not every child is done yet; nothing to fold.
			return nil
		}
	}

	folded, err := c.foldChildrenInto(ctx, parent.ID, parentBranch, c.Tree.DescendantLeaves(parent.ID))
	if err != nil {
		return err
	}
	if folded {
		if err := c.writeTerminal(ctx, parent, parentBranch, 0, true); err != nil {
			return err
		}
	}

	return c.mergeUp(ctx, parent.ID)
}

// foldChildrenInto squashes each of children's branches into parentID's
// branch in turn, advancing parentBranch's ref to the resulting commit,
// and writes one synthetic rollup commit summarizing which child ids
// were folded. Returns false (without error) only when children is
// empty; otherwise every child is squashed again, whether or not its
// content is already on parentBranch.
func (c *Controller) foldChildrenInto(ctx context.Context, parentID, parentBranch string, children []*tasktree.TaskNode) (bool, error) {
	into, err := c.VCS.RevParse(ctx, c.Dir, parentBranch)
	if err != nil {
		return false, fmt.Errorf("fold children into %s: %w", parentID, err)
	}

	var foldedIDs []string
	for _, child := range children {
		childBranch := c.Tree.BranchName(child.ID)
		if err := c.VCS.Squash(ctx, c.Dir, childBranch, into); err != nil {
			if errors.Is(err, vcs.ErrMergeConflict) {
				detail := conflictDetail(err)
				if cerr := c.writeRollupConflict(ctx, parentID, parentBranch, foldedIDs, child.ID, detail); cerr != nil {
					return false, cerr
				}
				return false, &RollupConflictError{ParentID: parentID, Detail: detail}
			}
			return false, fmt.Errorf("fold children into %s: %w", parentID, err)
		}

		message := fmt.Sprintf("task(%s): fold %s\n\nArborist-Rollup-Child: %s", parentID, child.ID, child.ID)
		rev, err := c.VCS.NewChange(ctx, c.Dir, []string{into}, message)
		if err != nil {
			return false, fmt.Errorf("fold children into %s: %w", parentID, err)
		}
		into = rev
		foldedIDs = append(foldedIDs, child.ID)
	}

	if len(foldedIDs) == 0 {
		return false, nil
	}

	sort.Strings(foldedIDs)
	rollupMessage := fmt.Sprintf("task(%s): rollup\n\nArborist-Rollup-Children: %s", parentID, strings.Join(foldedIDs, ","))
	finalRev, err := c.VCS.NewChange(ctx, c.Dir, []string{into}, rollupMessage)
	if err != nil {
		return false, fmt.Errorf("fold children into %s: %w", parentID, err)
	}

	if err := c.VCS.BranchForceUpdate(ctx, c.Dir, parentBranch, finalRev); err != nil {
		return false, fmt.Errorf("fold children into %s: %w", parentID, err)
	}
	if err := c.VCS.SwitchTo(ctx, c.Dir, parentBranch); err != nil {
		return false, fmt.Errorf("fold children into %s: %w", parentID, err)
	}
	return true, nil
}

func (c *Controller) writeRollupConflict(ctx context.Context, parentID, parentBranch string, alreadyFolded []string, conflictingChild, detail string) error {
	if err := c.VCS.SwitchTo(ctx, c.Dir, parentBranch); err != nil {
		return fmt.Errorf("record rollup conflict for %s: %w", parentID, err)
	}
	body := fmt.Sprintf("folded before conflict: %s\nconflicting child: %s\n\n%s", strings.Join(alreadyFolded, ","), conflictingChild, detail)
	message := fmt.Sprintf("task(%s): rollup conflict\n\n%s\n\nArborist-Step: complete\nArborist-Result: fail", parentID, body)
	if _, err := c.VCS.NewChange(ctx, c.Dir, nil, message); err != nil {
		return fmt.Errorf("record rollup conflict for %s: %w", parentID, err)
	}
	return nil
}

// conflictDetail extracts the backend's per-file conflict listing from
// a Squash error, falling back to the error text if the adapter didn't
// wrap an *vcs.OpError.
func conflictDetail(err error) string {
	var opErr *vcs.OpError
	if errors.As(err, &opErr) && opErr.Stderr != "" {
		return opErr.Stderr
	}
	return err.Error()
}

// finalizeSpec folds every completed root branch into trunk once the
// entire tree is complete, advancing trunk to the topmost rollup.
func (c *Controller) finalizeSpec(ctx context.Context) error {
	roots := make([]*tasktree.TaskNode, 0, len(c.Tree.RootIDs))
	for _, id := range c.Tree.RootIDs {
		roots = append(roots, c.Tree.Nodes[id])
	}
	if len(roots) == 0 {
		return nil
	}

	trunk := c.trunk()
	into, err := c.VCS.RevParse(ctx, c.Dir, trunk)
	if err != nil {
		return fmt.Errorf("finalize spec: %w", err)
	}

	advanced := false
	for _, root := range roots {
		rootBranch := c.Tree.BranchName(root.ID)
		rootRev, err := c.VCS.RevParse(ctx, c.Dir, rootBranch)
		if err != nil {
			return fmt.Errorf("finalize spec: %w", err)
		}
		isAncestor, err := c.VCS.IsAncestor(ctx, c.Dir, rootRev, trunk)
		if err != nil {
			return fmt.Errorf("finalize spec: %w", err)
		}
		if isAncestor {
			// Already folded into trunk by a prior finalize call.
			continue
		}

		if err := c.VCS.Squash(ctx, c.Dir, rootBranch, into); err != nil {
			if errors.Is(err, vcs.ErrMergeConflict) {
				return &RollupConflictError{ParentID: "trunk", Detail: fmt.Sprintf("folding root %s into trunk conflicted", root.ID)}
			}
			return fmt.Errorf("finalize spec: %w", err)
		}
		message := fmt.Sprintf("task(%s): rollup\n\nArborist-Rollup-Children: %s", root.ID, root.ID)
		rev, err := c.VCS.NewChange(ctx, c.Dir, []string{into}, message)
		if err != nil {
			return fmt.Errorf("finalize spec: %w", err)
		}
		into = rev
		advanced = true
	}

	if !advanced {
		return nil
	}
	if err := c.VCS.BranchForceUpdate(ctx, c.Dir, trunk, into); err != nil {
		return fmt.Errorf("finalize spec: %w", err)
	}
	return c.VCS.SwitchTo(ctx, c.Dir, trunk)
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
