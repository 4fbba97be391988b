// Package arblog is the logger every other package is handed explicitly
// rather than reaching for a global: a human-readable verbose stream
// (grounded on the teacher's root.go VerbosePrintf/--verbose convention)
// plus, optionally, a JSON Lines event file (grounded on the teacher's
// storage.FileStorage append-only JSONL writers) for anything worth
// re-reading after the run finishes.
package arblog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Logger carries the two destinations every component may log to. The
// zero value is a valid, fully silent logger: Verbosef and Event are
// both no-ops, so call sites never need a nil check.
type Logger struct {
	verbose    bool
	human      io.Writer
	eventsPath string
}

// New builds a Logger writing verbose human text to human (only when
// verbose is true) and, if eventsPath is non-empty, appending a JSON
// Lines record to that file on every Event call.
func New(human io.Writer, verbose bool, eventsPath string) *Logger {
	return &Logger{human: human, verbose: verbose, eventsPath: eventsPath}
}

// Verbosef writes a line to the human stream iff verbose mode is
// enabled, the same "print only when asked" contract as the teacher's
// VerbosePrintf — except threaded through a value instead of a
// package-level bool, so a concurrent caller or a test never has to
// mutate shared state to observe it.
func (l *Logger) Verbosef(format string, args ...any) {
	if l == nil || !l.verbose {
		return
	}
	fmt.Fprintf(l.human, format+"\n", args...)
}

// event is one JSON Lines record: a timestamp, the emitting component,
// a short message, and whatever structured fields go with it.
type event struct {
	Time      time.Time      `json:"time"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Event appends a structured record to the events file, if one is
// configured. Failures to write are swallowed rather than returned —
// logging must never be the reason a task-driving operation fails.
func (l *Logger) Event(component, message string, fields map[string]any) {
	if l == nil || l.eventsPath == "" {
		return
	}
	rec := event{Time: time.Now().UTC(), Component: component, Message: message, Fields: fields}
	_ = appendJSONL(l.eventsPath, rec)
}

// appendJSONL appends one JSON-encoded line to path, creating the file
// if needed (its parent directory must already exist). Grounded on the teacher's
// storage.FileStorage.appendJSONL: open for append, marshal, write,
// close — no atomic-rename dance, since an event log is append-only and
// a torn last line is an acceptable cost a reader can skip past.
func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
