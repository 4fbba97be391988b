package specparser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
)

func writeSpec(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParse_LinearChain(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 do the first thing
- [ ] T002 do the second thing
- [ ] T003 [P] do the third thing

## Dependencies

`+"```"+`
T001 → T002 → T003
`+"```"+`
`)

	tree, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tree.Nodes) != 4 { // phase1 + 3 tasks
		t.Fatalf("expected 4 nodes, got %d: %v", len(tree.Nodes), nodeIDs(tree.Nodes))
	}
	if tree.Nodes["T002"].ParentID != "phase1" {
		t.Errorf("T002 parent = %q, want phase1", tree.Nodes["T002"].ParentID)
	}
	if !contains(tree.Nodes["T002"].DependsOn, "T001") {
		t.Errorf("T002 should depend on T001, got %v", tree.Nodes["T002"].DependsOn)
	}
	if !contains(tree.Nodes["T003"].DependsOn, "T002") {
		t.Errorf("T003 should depend on T002, got %v", tree.Nodes["T003"].DependsOn)
	}
}

func nodeIDs(m map[string]*tasktree.TaskNode) []string {
	var ids []string
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func TestParse_SharedDependencyCommaList(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 a
- [ ] T002 b
- [ ] T003 c

## Dependencies

`+"```"+`
T001 → T002, T003
`+"```"+`
`)

	tree, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !contains(tree.Nodes["T002"].DependsOn, "T001") {
		t.Errorf("T002 should depend on T001")
	}
	if !contains(tree.Nodes["T003"].DependsOn, "T001") {
		t.Errorf("T003 should depend on T001")
	}
}

func TestParse_ArrowAfterCommaListDependsOnLastTokenOnly(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 a
- [ ] T002 b
- [ ] T003 c
- [ ] T004 d

## Dependencies

`+"```"+`
T001 → T002, T003 → T004
`+"```"+`
`)

	tree, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !contains(tree.Nodes["T002"].DependsOn, "T001") {
		t.Errorf("T002 should depend on T001, got %v", tree.Nodes["T002"].DependsOn)
	}
	if !contains(tree.Nodes["T003"].DependsOn, "T001") {
		t.Errorf("T003 should depend on T001, got %v", tree.Nodes["T003"].DependsOn)
	}
	if !contains(tree.Nodes["T004"].DependsOn, "T003") {
		t.Errorf("T004 should depend on T003, got %v", tree.Nodes["T004"].DependsOn)
	}
	if contains(tree.Nodes["T004"].DependsOn, "T002") {
		t.Errorf("T004 should not depend on T002 (comma list is not carried past the next arrow), got %v", tree.Nodes["T004"].DependsOn)
	}
}

func TestParse_UnknownDependencyIDIsParseError(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 a

## Dependencies

`+"```"+`
T001 → T999
`+"```"+`
`)

	_, err := Parse(dir, "feature", "spec1")
	if err == nil {
		t.Fatal("expected parse error for unknown dependency id")
	}
	var perr *Error
	if !asErr(err, &perr) {
		t.Fatalf("expected *specparser.Error, got %T: %v", err, err)
	}
}

func asErr(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

func TestParse_CycleIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 a
- [ ] T002 b

## Dependencies

`+"```"+`
T001 → T002
T002 → T001
`+"```"+`
`)

	_, err := Parse(dir, "feature", "spec1")
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestParse_NestedHeadersAndDeterminism(t *testing.T) {
	dir := t.TempDir()
	body := `
## Phase 1: Setup

### Subsection A

- [ ] T001 a

### Subsection B

- [ ] T002 b
`
	writeSpec(t, dir, "spec.md", body)

	tree1, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse 1: %v", err)
	}
	tree2, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse 2: %v", err)
	}
	if tree1.Nodes["T001"].ParentID != "subsection-a" {
		t.Errorf("T001 parent = %q, want subsection-a", tree1.Nodes["T001"].ParentID)
	}
	if tree1.Nodes["T002"].ParentID != "subsection-b" {
		t.Errorf("T002 parent = %q, want subsection-b", tree1.Nodes["T002"].ParentID)
	}
	if len(tree1.Nodes) != len(tree2.Nodes) {
		t.Errorf("non-deterministic node count across parses")
	}
}

func TestParse_AnnotationOverridesTestCommand(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "spec.md", `
## Phase 1: Setup

- [ ] T001 a thing
<!-- arborist: test=go test ./pkg/foo, test-type=integration -->
`)

	tree, err := Parse(dir, "feature", "spec1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	node := tree.Nodes["T001"]
	if node.TestCommand != "go test ./pkg/foo" {
		t.Errorf("TestCommand = %q", node.TestCommand)
	}
	if node.TestType != "integration" {
		t.Errorf("TestType = %q", node.TestType)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Setup & Config":  "setup-config",
		"Phase 1: Name":   "phase-1-name",
		"already-slugged": "already-slugged",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
