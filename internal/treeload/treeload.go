// Package treeload reconstructs a tasktree.TaskTree from a materialized
// repository alone, with no access to the spec directory that produced
// it. build is the only command that ever reads spec markdown; run,
// status, and inspect all operate on a repository that may long have
// outlived its originating spec directory, so the hierarchy, depends_on
// edges, and per-task test overrides the materializer recorded on each
// node's seed commit trailers are the only surviving source of truth.
package treeload

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

// VCS is the subset of the vcs.Adapter treeload depends on.
type VCS interface {
	BranchList(ctx context.Context, dir, glob string) ([]string, error)
	LogSubjectMatches(ctx context.Context, dir, branch, subjectPrefix string, limit int) ([]vcs.Commit, error)
}

// Load discovers every branch materialized under namespace/specID and
// rebuilds the TaskTree they encode. A node's id and parent come from
// its branch path (namespace/specID/ancestor.../id, mirroring
// tasktree.BranchName); its name, depends_on edges, and test overrides
// come from the Arborist-Name/Arborist-Depends-On/Arborist-Test-Command/
// Arborist-Test-Type trailers on its "task(<id>): seed" commit.
func Load(ctx context.Context, v VCS, dir, namespace, specID string) (*tasktree.TaskTree, error) {
	glob := fmt.Sprintf("%s/%s/**", namespace, specID)
	branches, err := v.BranchList(ctx, dir, glob)
	if err != nil {
		return nil, fmt.Errorf("treeload: list branches: %w", err)
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("treeload: no materialized branches under %s/%s", namespace, specID)
	}

	prefix := namespace + "/" + specID + "/"
	type entry struct {
		depth int
		node  *tasktree.TaskNode
	}
	var entries []entry
	for _, branch := range branches {
		if !strings.HasPrefix(branch, prefix) {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(branch, prefix), "/")
		id := segments[len(segments)-1]

		node, err := loadNode(ctx, v, dir, branch, id)
		if err != nil {
			return nil, err
		}
		if len(segments) > 1 {
			node.ParentID = segments[len(segments)-2]
		}
		entries = append(entries, entry{depth: len(segments), node: node})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].depth < entries[j].depth })

	tree := tasktree.New(namespace, specID)
	for _, e := range entries {
		if err := tree.AddNode(e.node); err != nil {
			return nil, fmt.Errorf("treeload: %w", err)
		}
	}
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("treeload: %w", err)
	}
	return tree, nil
}

// loadNode finds branch's "task(<id>): seed" commit and decodes it back
// into a TaskNode. Subject matching alone is not enough to pick out the
// seed among a leaf's later implement/test/review commits, which share
// the same "task(<id>): " prefix, so the exact subject is required.
func loadNode(ctx context.Context, v VCS, dir, branch, id string) (*tasktree.TaskNode, error) {
	commits, err := v.LogSubjectMatches(ctx, dir, branch, fmt.Sprintf("task(%s): ", id), 0)
	if err != nil {
		return nil, fmt.Errorf("treeload: read history of %s: %w", branch, err)
	}
	seedSubject := fmt.Sprintf("task(%s): seed", id)
	for _, c := range commits {
		if c.Subject != seedSubject {
			continue
		}
		node := &tasktree.TaskNode{
			ID:          id,
			Name:        c.Trailers["Arborist-Name"],
			TestCommand: c.Trailers["Arborist-Test-Command"],
			TestType:    c.Trailers["Arborist-Test-Type"],
		}
		if deps := c.Trailers["Arborist-Depends-On"]; deps != "" {
			node.DependsOn = strings.Split(deps, ",")
		}
		return node, nil
	}
	return nil, fmt.Errorf("treeload: branch %s has no seed commit for %s", branch, id)
}

// Namespaces returns the set of namespace/specID prefixes with at least
// one materialized branch, discovered from every local branch name that
// has three or more "/"-separated segments. Used by a status/inspect
// invocation that omits --namespace/--spec-id to discover what's
// available rather than failing outright.
func Namespaces(ctx context.Context, v VCS, dir string) ([]string, error) {
	branches, err := v.BranchList(ctx, dir, "**")
	if err != nil {
		return nil, fmt.Errorf("treeload: list branches: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, b := range branches {
		segments := strings.Split(b, "/")
		if len(segments) < 3 {
			continue
		}
		ns := segments[0] + "/" + segments[1]
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}
