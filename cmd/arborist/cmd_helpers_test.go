package main

import (
	"os"
	"testing"
)

// chdir switches the process working directory to dir and returns the
// previous one, for restoring afterward. status/inspect always operate
// on the current working directory (spec.md §6 gives them no
// --target-repo flag), so exercising them from a test requires actually
// changing directory rather than passing a path in.
func chdir(t *testing.T, dir string) string {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	return prev
}
