// Package specparser parses a directory of markdown files into a
// tasktree.TaskTree: phase headers become subtree nodes, checklist items
// become leaf tasks, and a fenced "Dependencies" block wires the
// dependency DAG. Parsing is streamed line-by-line (bufio.Scanner, as
// the rest of this codebase parses line-oriented formats), so a
// malformed file reports a precise file:line location rather than an
// opaque failure.
package specparser

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
)

var (
	phaseHeaderRE = regexp.MustCompile(`^(#{2,6})\s*Phase\s+(\d+)\s*:\s*(.+?)\s*$`)
	genericHeaderRE = regexp.MustCompile(`^(#{2,6})\s*(.+?)\s*$`)
	taskItemRE    = regexp.MustCompile(`^-\s*\[\s*\]\s*(T\w+)\s*(\[P\])?\s+(.+?)\s*$`)
	annotationRE  = regexp.MustCompile(`^<!--\s*arborist:\s*(.*?)\s*-->\s*$`)
	dependsArrowSplitRE = regexp.MustCompile(`\s*→\s*`)
)

// headerFrame tracks one open header on the stack while scanning a file.
type headerFrame struct {
	level int
	id    string
}

// Parse reads every markdown file directly under specDir (files are
// processed in lexicographic order for determinism) and returns the
// resulting TaskTree, or a *Error describing the first problem found.
func Parse(specDir, namespace, specID string) (*tasktree.TaskTree, error) {
	files, err := markdownFiles(specDir)
	if err != nil {
		return nil, err
	}

	tree := tasktree.New(namespace, specID)
	var deps depLines

	for _, path := range files {
		next, err := deps.appendFromFile(tree, path)
		if err != nil {
			return nil, err
		}
		deps = next
	}

	for _, dl := range deps {
		if err := applyDependencyLine(tree, dl); err != nil {
			return nil, err
		}
	}

	if err := tree.Validate(); err != nil {
		return nil, &Error{File: specDir, Line: 0, Reason: err.Error()}
	}
	return tree, nil
}

// depLine is one raw "A → B, C" line captured from a Dependencies fence,
// recorded with its source location for error reporting once tree
// construction (and therefore id existence checks) is complete.
type depLine struct {
	file string
	line int
	text string
}

type depLines []depLine

func markdownFiles(specDir string) ([]string, error) {
	entries, err := os.ReadDir(specDir)
	if err != nil {
		return nil, fmt.Errorf("read spec directory %s: %w", specDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		files = append(files, filepath.Join(specDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// appendFromFile scans one file, adding phase and task nodes to tree and
// returning dl extended with any Dependencies-fence lines found.
func (dl depLines) appendFromFile(tree *tasktree.TaskTree, path string) (depLines, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var stack []headerFrame
	var lastTaskID string
	inDependenciesFence := false
	inOtherFence := false
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inDependenciesFence {
				inDependenciesFence = false
			} else if inOtherFence {
				inOtherFence = false
			} else if len(stack) > 0 && strings.EqualFold(stack[len(stack)-1].id, "dependencies") {
				inDependenciesFence = true
			} else {
				inOtherFence = true
			}
			continue
		}
		if inDependenciesFence {
			if trimmed != "" {
				dl = append(dl, depLine{file: path, line: lineNum, text: trimmed})
			}
			continue
		}
		if inOtherFence {
			continue
		}

		if m := phaseHeaderRE.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			id := "phase" + m[2]
			name := m[3]
			if err := pushHeader(tree, &stack, level, id, name); err != nil {
				return nil, newError(path, lineNum, "%v", err)
			}
			lastTaskID = ""
			continue
		}
		if m := genericHeaderRE.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			name := m[2]
			id := slugify(name)
			if strings.EqualFold(name, "dependencies") {
				id = "dependencies"
			}
			if err := pushHeader(tree, &stack, level, id, name); err != nil {
				return nil, newError(path, lineNum, "%v", err)
			}
			lastTaskID = ""
			continue
		}

		if m := taskItemRE.FindStringSubmatch(line); m != nil {
			id := m[1]
			desc := m[3]
			var parent string
			if len(stack) > 0 {
				parent = stack[len(stack)-1].id
			}
			node := &tasktree.TaskNode{ID: id, Description: desc, ParentID: parent}
			if err := tree.AddNode(node); err != nil {
				return nil, newError(path, lineNum, "%v", err)
			}
			lastTaskID = id
			continue
		}

		if m := annotationRE.FindStringSubmatch(trimmed); m != nil && lastTaskID != "" {
			applyAnnotation(tree.Nodes[lastTaskID], m[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return dl, nil
}

// pushHeader pops stack frames at level >= the new header's level (a
// header closes any sibling or deeper header previously open), then adds
// a subtree node parented at the new top of stack and pushes the frame.
// A header that does not correspond to an existing tree node (the
// "dependencies" pseudo-header) is pushed without adding a node.
func pushHeader(tree *tasktree.TaskTree, stack *[]headerFrame, level int, id, name string) error {
	s := *stack
	for len(s) > 0 && s[len(s)-1].level >= level {
		s = s[:len(s)-1]
	}
	if id == "dependencies" {
		*stack = append(s, headerFrame{level: level, id: id})
		return nil
	}
	var parent string
	if len(s) > 0 {
		parent = s[len(s)-1].id
	}
	if _, exists := tree.Nodes[id]; !exists {
		if err := tree.AddNode(&tasktree.TaskNode{ID: id, Name: name, ParentID: parent}); err != nil {
			return err
		}
	}
	*stack = append(s, headerFrame{level: level, id: id})
	return nil
}

func applyAnnotation(node *tasktree.TaskNode, body string) {
	if node == nil {
		return
	}
	for _, field := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "test":
			node.TestCommand = v
		case "test-type":
			node.TestType = v
		}
	}
}

// applyDependencyLine parses one "A → B, C → D" line under the grammar
// chain := term ('→' term (',' term)*)+. A comma only ever extends the
// target list of the arrow immediately to its left: every id in that
// group depends on the single term preceding the arrow. A subsequent
// arrow then starts a new link whose own left-hand side is the last
// term before it — so in "A → B, C → D", both B and C depend on A, but
// D depends on C only, not on A. Each hop's source is therefore the
// last id of the previous group, never the whole group.
func applyDependencyLine(tree *tasktree.TaskTree, dl depLine) error {
	groups := dependsArrowSplitRE.Split(dl.text, -1)
	if len(groups) < 2 {
		return newError(dl.file, dl.line, "dependency line has no '→': %q", dl.text)
	}
	parsed := make([][]string, len(groups))
	for i, g := range groups {
		var ids []string
		for _, part := range strings.Split(g, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				return newError(dl.file, dl.line, "empty task id in dependency line: %q", dl.text)
			}
			ids = append(ids, part)
			if _, ok := tree.Nodes[part]; !ok {
				return newError(dl.file, dl.line, "unknown task id %q in dependency line", part)
			}
		}
		parsed[i] = ids
	}
	if len(parsed[0]) > 1 {
		return newError(dl.file, dl.line, "comma before the first '→' is ambiguous: %q", dl.text)
	}
	for i := 1; i < len(parsed); i++ {
		source := parsed[i-1][len(parsed[i-1])-1]
		for _, target := range parsed[i] {
			node := tree.Nodes[target]
			if !contains(node.DependsOn, source) {
				node.DependsOn = append(node.DependsOn, source)
			}
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

var slugNonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name and replaces runs of non-alphanumeric
// characters with a single hyphen, trimming leading/trailing hyphens.
func slugify(name string) string {
	s := strings.ToLower(name)
	s = slugNonAlnumRE.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
