// Package tasktree is the in-memory representation of a parsed spec: an
// arena of TaskNode records linked by parent/child and dependency string
// ids, with iterative traversals and explicit cycle checks — no pointer
// graphs, per the source's re-architecture note on cyclic structures.
package tasktree

import (
	"fmt"
	"sort"
	"strings"
)

// TaskNode is one vertex of the forest (parent/children) and DAG
// (depends_on) induced over a TaskTree's Nodes.
type TaskNode struct {
	ID          string
	Name        string
	Description string
	ParentID    string // empty for a root
	ChildrenIDs []string
	DependsOn   []string

	// TestCommand overrides the configured default test command for this
	// task only; empty means "inherit."
	TestCommand string
	// TestType classifies which suite this leaf's test step runs.
	// One of unit|integration|e2e; empty is treated as "unit."
	TestType string
}

// IsLeaf reports whether n has no children. Only leaves undergo the
// implement/test/review protocol.
func (n *TaskNode) IsLeaf() bool { return len(n.ChildrenIDs) == 0 }

// TaskTree is the parsed, validated result of a spec directory: a
// mapping from id to TaskNode plus an ordered list of root ids.
type TaskTree struct {
	SpecID    string
	Namespace string
	Nodes     map[string]*TaskNode
	RootIDs   []string
}

// New constructs an empty tree. Callers (the spec parser, or tests) add
// nodes with AddNode and must call Validate before relying on any query.
func New(namespace, specID string) *TaskTree {
	return &TaskTree{
		SpecID:    specID,
		Namespace: namespace,
		Nodes:     make(map[string]*TaskNode),
	}
}

// AddNode inserts n into the tree, wiring it into its parent's
// ChildrenIDs (or RootIDs, if ParentID is empty). Returns an error if the
// id is already present.
func (t *TaskTree) AddNode(n *TaskNode) error {
	if _, exists := t.Nodes[n.ID]; exists {
		return fmt.Errorf("duplicate task id %q", n.ID)
	}
	t.Nodes[n.ID] = n
	if n.ParentID == "" {
		t.RootIDs = append(t.RootIDs, n.ID)
		return nil
	}
	parent, ok := t.Nodes[n.ParentID]
	if !ok {
		return fmt.Errorf("task %q references unknown parent %q", n.ID, n.ParentID)
	}
	parent.ChildrenIDs = append(parent.ChildrenIDs, n.ID)
	return nil
}

// Validate enforces the tree's invariants: every depends_on target exists,
// no cycles in the depends_on DAG, and no cycles in the parent/child
// forest. Call after all nodes have been added.
func (t *TaskTree) Validate() error {
	for id, n := range t.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := t.Nodes[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
		}
	}
	if cyc := t.HasCycle(); cyc != nil {
		return fmt.Errorf("dependency cycle detected: %s", strings.Join(cyc, " -> "))
	}
	if cyc := t.hasParentCycle(); cyc != nil {
		return fmt.Errorf("parent/child cycle detected: %s", strings.Join(cyc, " -> "))
	}
	return nil
}

// HasCycle returns the first cycle found in the depends_on graph as an
// ordered slice of ids (closed: first == last), or nil if acyclic.
func (t *TaskTree) HasCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(t.Nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range t.Nodes[id].DependsOn {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Found the back edge; slice path from dep's first
				// occurrence to close the cycle.
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := t.sortedIDs()
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// hasParentCycle walks parent pointers from every node toward the root,
// detecting a cycle if a node reappears before reaching a root (empty
// ParentID).
func (t *TaskTree) hasParentCycle() []string {
	for _, id := range t.sortedIDs() {
		seen := map[string]bool{}
		cur := id
		var path []string
		for cur != "" {
			if seen[cur] {
				return append(path, cur)
			}
			seen[cur] = true
			path = append(path, cur)
			n, ok := t.Nodes[cur]
			if !ok {
				break
			}
			cur = n.ParentID
		}
	}
	return nil
}

// sortedIDs returns all node ids in a deterministic order, independent of
// Go map iteration order.
func (t *TaskTree) sortedIDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Leaves returns every node with no children, in a stable order (sorted
// by id, which matches document order only when the ids sort in the
// order they appear).
func (t *TaskTree) Leaves() []*TaskNode {
	var out []*TaskNode
	for _, id := range t.sortedIDs() {
		if t.Nodes[id].IsLeaf() {
			out = append(out, t.Nodes[id])
		}
	}
	return out
}

// ReadyLeaves returns leaves whose every depends_on entry is present in
// completed, in stable order.
func (t *TaskTree) ReadyLeaves(completed map[string]bool) []*TaskNode {
	var out []*TaskNode
	for _, leaf := range t.Leaves() {
		if t.dependenciesSatisfied(leaf, completed) {
			out = append(out, leaf)
		}
	}
	return out
}

func (t *TaskTree) dependenciesSatisfied(n *TaskNode, completed map[string]bool) bool {
	for _, dep := range n.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// BranchName returns the deterministic hierarchical branch name for id:
// namespace/specID/ancestor.../id.
func (t *TaskTree) BranchName(id string) string {
	parts := []string{t.Namespace, t.SpecID}
	parts = append(parts, t.ancestry(id)...)
	return strings.Join(parts, "/")
}

// ancestry returns the path from the topmost ancestor down to and
// including id.
func (t *TaskTree) ancestry(id string) []string {
	var rev []string
	cur := id
	for cur != "" {
		rev = append(rev, cur)
		n, ok := t.Nodes[cur]
		if !ok {
			break
		}
		cur = n.ParentID
	}
	out := make([]string, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}

// Parent returns the enclosing non-leaf node for id, or nil if id is a
// root.
func (t *TaskTree) Parent(id string) *TaskNode {
	n, ok := t.Nodes[id]
	if !ok || n.ParentID == "" {
		return nil
	}
	return t.Nodes[n.ParentID]
}

// DescendantLeaves returns every leaf reachable from id's subtree
// (id itself, if id is already a leaf).
func (t *TaskTree) DescendantLeaves(id string) []*TaskNode {
	n, ok := t.Nodes[id]
	if !ok {
		return nil
	}
	if n.IsLeaf() {
		return []*TaskNode{n}
	}
	var out []*TaskNode
	for _, child := range n.ChildrenIDs {
		out = append(out, t.DescendantLeaves(child)...)
	}
	return out
}

// TopologicalOrder returns every node id in an order respecting both the
// parent-before-descendant hierarchy and the depends_on DAG.
func (t *TaskTree) TopologicalOrder() ([]string, error) {
	visited := make(map[string]bool, len(t.Nodes))
	visiting := make(map[string]bool, len(t.Nodes))
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("cycle detected while ordering %q", id)
		}
		visiting[id] = true
		n := t.Nodes[id]
		// Parent must precede child.
		if n.ParentID != "" {
			if err := visit(n.ParentID); err != nil {
				return err
			}
		}
		// Every dependency must precede id.
		for _, dep := range n.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		order = append(order, id)
		return nil
	}

	for _, id := range t.sortedIDs() {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
