// Package materializer projects a tasktree.TaskTree onto a repository:
// one branch pointer per node, seeded from the parent's branch (or
// trunk for a root), each carrying a single seed commit. Re-running on
// an unchanged tree is a no-op; an existing branch that no longer
// descends from its parent's seed commit is a reported Conflict, never a
// silent reassignment of history.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

// seedSubjectPrefix scopes history queries (and idempotence checks) to
// one task's commits; the seed among them is the one carrying
// "Arborist-Step: pending", unlike any step commit an executor writes.
const seedSubjectPrefix = "task(%s): "

// Conflict reports that a node's branch already exists but does not
// descend from its parent's seed commit. A renamed id, or a node moved
// under a different parent, maps to a new branch name: that branch is
// created fresh and not reported, and the old branch is left in place.
// The materializer never resolves a conflict automatically.
type Conflict struct {
	NodeID string
	Branch string
	Reason string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("materialize conflict on %s (branch %s): %s", c.NodeID, c.Branch, c.Reason)
}

// VCS is the subset of the vcs.Adapter the materializer depends on.
type VCS interface {
	InitOrAttach(ctx context.Context, path string) error
	BranchCreate(ctx context.Context, dir, name, atRevision string) error
	LogSubjectMatches(ctx context.Context, dir, branch, subjectPrefix string, limit int) ([]vcs.Commit, error)
	SwitchTo(ctx context.Context, dir, revisionOrBranch string) error
	NewChange(ctx context.Context, dir string, parentRevisions []string, message string) (string, error)
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
}

// Materializer projects TaskTrees into a target repository's branch
// namespace using a VCS adapter.
type Materializer struct {
	VCS VCS
	// TrunkBranch is the root-level branch that roots are seeded from.
	// Empty defaults to "trunk".
	TrunkBranch string
}

func (m *Materializer) trunk() string {
	if m.TrunkBranch != "" {
		return m.TrunkBranch
	}
	return "trunk"
}

// Materialize ensures targetRepo is an attached repository, then walks
// tree breadth-first from its roots, creating one branch per node
// (seeded from its parent's branch, or trunk for a root) and one seed
// commit carrying "Arborist-Step: pending" on each. Already-materialized
// nodes are skipped. A node whose branch exists but was not seeded from
// the tree's current parent produces a *Conflict; Materialize continues
// past independent subtrees so a single incompatible node doesn't block
// an otherwise-valid partial materialization, and returns every
// conflict found, wrapped in a *MultiConflict, once traversal
// completes.
func (m *Materializer) Materialize(ctx context.Context, targetRepo string, tree *tasktree.TaskTree) error {
	if err := m.VCS.InitOrAttach(ctx, targetRepo); err != nil {
		return fmt.Errorf("materialize: %w", err)
	}

	var conflicts []error
	queue := append([]string{}, tree.RootIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := tree.Nodes[id]

		parentBranch := m.trunk()
		if node.ParentID != "" {
			parentBranch = tree.BranchName(node.ParentID)
		}
		branch := tree.BranchName(id)

		if err := m.ensureBranch(ctx, targetRepo, id, node.ParentID, branch, parentBranch); err != nil {
			var conflict *Conflict
			if asConflict(err, &conflict) {
				conflicts = append(conflicts, conflict)
			} else {
				return fmt.Errorf("materialize %s: %w", id, err)
			}
		} else if err := m.ensureSeedCommit(ctx, targetRepo, branch, node); err != nil {
			return fmt.Errorf("materialize %s: %w", id, err)
		}

		queue = append(queue, node.ChildrenIDs...)
	}

	if len(conflicts) > 0 {
		return &MultiConflict{Conflicts: conflicts}
	}
	return nil
}

// MultiConflict aggregates every Conflict found during one Materialize
// call; partial progress (every non-conflicting branch) is still
// committed to the repository.
type MultiConflict struct {
	Conflicts []error
}

func (m *MultiConflict) Error() string {
	return fmt.Sprintf("%d materialize conflict(s), first: %v", len(m.Conflicts), m.Conflicts[0])
}

func asConflict(err error, target **Conflict) bool {
	c, ok := err.(*Conflict)
	if ok {
		*target = c
	}
	return ok
}

// ensureBranch creates branch at parentBranch's tip if absent. If branch
// already exists, idempotence for a non-root node is checked by
// confirming branch's history still contains parentID's own seed
// commit: materialization always writes a parent's seed commit before
// visiting its children (breadth-first), so that commit is a permanent
// marker of genuine lineage. Checking against it, rather than against
// parentBranch's current tip, matters because rollup keeps appending
// commits to a parent branch as its children complete — comparing
// against a moving tip would misreport a still-pending sibling as
// conflicting. If the marker is absent from branch's history, the node
// was re-parented onto unrelated history since the last materialize,
// reported as a *Conflict. Root nodes (parentID == "") have no such
// marker on trunk and are not checked here. A branch that exists but
// whose parent has no seed commit yet (a prior run was interrupted
// between creating the parent branch and seeding it) is treated as
// in-progress, not conflicting.
func (m *Materializer) ensureBranch(ctx context.Context, dir, id, parentID, branch, parentBranch string) error {
	err := m.VCS.BranchCreate(ctx, dir, branch, parentBranch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vcs.ErrBranchExists) {
		return err
	}
	if parentID == "" {
		return nil
	}

	parentCommits, logErr := m.VCS.LogSubjectMatches(ctx, dir, parentBranch, fmt.Sprintf(seedSubjectPrefix, parentID), 0)
	if logErr != nil {
		return logErr
	}
	parentSeed := ""
	for _, c := range parentCommits {
		if c.Trailers["Arborist-Step"] == "pending" {
			parentSeed = c.Revision
		}
	}
	if parentSeed == "" {
		return nil
	}

	ok, ancErr := m.VCS.IsAncestor(ctx, dir, parentSeed, branch)
	if ancErr != nil {
		return ancErr
	}
	if !ok {
		return &Conflict{NodeID: id, Branch: branch, Reason: fmt.Sprintf("existing branch does not descend from parent branch %s's seed commit", parentBranch)}
	}
	return nil
}

// ensureSeedCommit checks for an existing "task(<id>): seed" commit on
// branch; if absent, switches to branch and appends one carrying
// "Arborist-Step: pending" plus node's static scheduling metadata
// (depends_on, test command/type), so a process that only has the
// repository available — never the original spec directory — can still
// reconstruct a driveable tasktree.TaskTree via internal/treeload.
func (m *Materializer) ensureSeedCommit(ctx context.Context, dir, branch string, node *tasktree.TaskNode) error {
	id := node.ID
	prefix := fmt.Sprintf(seedSubjectPrefix, id)
	existing, err := m.VCS.LogSubjectMatches(ctx, dir, branch, prefix, 0)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.Trailers["Arborist-Step"] == "pending" {
			return nil
		}
	}

	if err := m.VCS.SwitchTo(ctx, dir, branch); err != nil {
		return err
	}
	message := seedMessage(node)
	_, err = m.VCS.NewChange(ctx, dir, nil, message)
	return err
}

// seedMessage builds the seed commit's subject/trailer body, recording
// everything internal/treeload needs to rebuild node without the
// original spec markdown: its name, its depends_on edges, and any
// per-task test override.
func seedMessage(node *tasktree.TaskNode) string {
	lines := []string{fmt.Sprintf("task(%s): seed", node.ID), "", "Arborist-Step: pending"}
	if node.Name != "" {
		lines = append(lines, "Arborist-Name: "+node.Name)
	}
	if len(node.DependsOn) > 0 {
		lines = append(lines, "Arborist-Depends-On: "+strings.Join(node.DependsOn, ","))
	}
	if node.TestCommand != "" {
		lines = append(lines, "Arborist-Test-Command: "+node.TestCommand)
	}
	if node.TestType != "" {
		lines = append(lines, "Arborist-Test-Type: "+node.TestType)
	}
	return strings.Join(lines, "\n")
}
