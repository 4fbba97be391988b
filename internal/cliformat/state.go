// Package cliformat renders task-tree state for the status and inspect
// commands: a tabwriter-backed table (capped to terminal-friendly column
// widths for Arborist's own field shapes) plus a lipgloss-colored state
// label.
package cliformat

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// nameColumnWidth bounds the width of a free-text column (task name,
// commit subject) before NewTaskTable truncates it with "...": status
// and inspect both render one row per task/commit, and an unbounded
// name column makes every other column wrap unpredictably in a narrow
// terminal.
const nameColumnWidth = 48

// Table formats columnar output using tabwriter, truncating any column
// given a SetMaxWidth limit.
type Table struct {
	w             *tabwriter.Writer
	headers       []string
	maxWidth      map[int]int // column index -> max width (0 = unlimited)
	headerWritten bool
}

// NewTable creates a table that writes to w with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{
		w:        tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers:  headers,
		maxWidth: make(map[int]int),
	}
}

// NewTaskTable is NewTable with nameColumnWidth pre-applied to
// nameColumn, for the two shapes status and inspect actually render:
// a task name or a commit subject as the second-most column.
func NewTaskTable(w io.Writer, nameColumn int, headers ...string) *Table {
	t := NewTable(w, headers...)
	t.SetMaxWidth(nameColumn, nameColumnWidth)
	return t
}

// SetMaxWidth sets the maximum display width for a column (0-indexed).
// Values exceeding the limit are truncated with "...".
func (t *Table) SetMaxWidth(col, width int) *Table {
	t.maxWidth[col] = width
	return t
}

// AddRow appends a data row. Extra values beyond the header count are
// ignored; missing values are filled with empty strings. The header and
// its dashed separator are deferred until the first row so an empty
// table renders nothing at all.
func (t *Table) AddRow(values ...string) {
	if !t.headerWritten {
		t.headerWritten = true
		t.writeHeaderAndSeparator()
	}

	cells := make([]string, len(t.headers))
	for i := range cells {
		if i < len(values) {
			cells[i] = t.truncate(i, values[i])
		}
	}
	t.writeTabbedLine(cells)
}

// Render flushes the underlying tabwriter. Must be called after all AddRow calls.
func (t *Table) Render() error {
	return t.w.Flush()
}

func (t *Table) writeHeaderAndSeparator() {
	t.writeTabbedLine(t.headers)
	dashed := make([]string, len(t.headers))
	for i, h := range t.headers {
		dashed[i] = dashes(len(h))
	}
	t.writeTabbedLine(dashed)
}

// writeTabbedLine writes cells tab-separated to the underlying
// tabwriter; write errors to an in-memory/terminal sink are not
// actionable here, so they're ignored rather than threaded back
// through every AddRow call.
func (t *Table) writeTabbedLine(cells []string) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(t.w, "\t")
		}
		fmt.Fprint(t.w, c)
	}
	fmt.Fprintln(t.w)
}

func (t *Table) truncate(col int, s string) string {
	max, ok := t.maxWidth[col]
	if !ok || max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// dashes returns a string of n dashes.
func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}

// State labels are colored for --format text output. JSON output never
// goes through this file — it carries the raw TaskState string instead.
var (
	stylePending     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleImplement   = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	styleTest        = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleReview      = lipgloss.NewStyle().Foreground(lipgloss.Color("135"))
	styleComplete    = lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true)
	styleFailed      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleUnknownFlag = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// StateLabel renders a protocol.TaskState-like string with color for
// terminal output. Unknown values are rendered in alarm red rather than
// silently passed through, so a typo in upstream state never reads as
// "probably fine."
func StateLabel(state string) string {
	switch state {
	case "pending":
		return stylePending.Render(state)
	case "implementing":
		return styleImplement.Render(state)
	case "testing":
		return styleTest.Render(state)
	case "reviewing":
		return styleReview.Render(state)
	case "complete":
		return styleComplete.Render(state)
	case "failed":
		return styleFailed.Render(state)
	default:
		return styleUnknownFlag.Render(state)
	}
}
