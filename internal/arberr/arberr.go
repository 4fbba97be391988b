// Package arberr defines the CLI-facing error taxonomy: a small typed
// wrapper around an underlying cause plus a machine-readable code, used
// only at command boundaries to choose an exit code and the first
// stderr line ("E_SPEC", "E_VCS", ...). Internal packages never construct
// these directly — they return sentinel or wrapped errors of their own,
// and the CLI layer classifies them into a Code via As/Is.
package arberr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error class printed as the first line of
// stderr on any non-zero exit.
type Code string

const (
	CodeSpec     Code = "E_SPEC"
	CodeVCS      Code = "E_VCS"
	CodeRunner   Code = "E_RUNNER"
	CodeStall    Code = "E_STALL"
	CodeConfig   Code = "E_CONFIG"
	CodeInternal Code = "E_INTERNAL"
)

// Error carries a Code alongside the wrapped cause and a one-paragraph
// human summary.
type Error struct {
	Code    Code
	Summary string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Summary, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Summary)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with the given code and summary, wrapping cause.
func New(code Code, summary string, cause error) *Error {
	return &Error{Code: code, Summary: summary, Cause: cause}
}

// Wrap is New but formats the summary like fmt.Sprintf.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Summary: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to CodeInternal when err
// is not (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
