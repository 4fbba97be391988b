package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/arborist/internal/arberr"
	"github.com/pennyworth-tech/arborist/internal/arblog"
	"github.com/pennyworth-tech/arborist/internal/gardener"
	"github.com/pennyworth-tech/arborist/internal/materializer"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

// rootCmd is the base command; each subcommand owns its own flags rather
// than sharing globals, since build's --spec-dir/--target-repo have no
// equivalent on run/status/inspect (they always operate on the current
// working directory, per spec.md's "run/status/inspect reconstruct
// everything from the repository" contract).
var rootCmd = &cobra.Command{
	Use:   "arborist",
	Short: "Drive a spec's task tree through implement, test, and review, one commit at a time",
	Long: `Arborist materializes a markdown spec into a branch-per-task git history
and then drives every leaf through an implement -> test -> review loop,
folding completed subtrees back up into their parents as it goes.

All state -- hierarchy, progress, retries, review verdicts -- lives in
commit trailers on the target repository. Arborist holds no database of
its own and can be killed and restarted at any point without losing
track of where it was.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// verboseFlag and logEventsFlag back rootCmd's persistent --verbose/
// --log-file flags, the same cobra package-var binding the teacher uses
// for its own --verbose (cmd/ao/root.go). Unlike the teacher's
// VerbosePrintf, nothing here reads these vars directly: each
// subcommand builds its own *arblog.Logger from them once in its RunE
// and threads that value into the components it constructs, per
// SPEC_FULL.md's "never a package-level global" logging rule.
var (
	verboseFlag   bool
	logEventsFlag string
)

// Execute runs the CLI, translating any returned error into the
// "E_CODE\nsummary" stderr shape spec.md §7 requires and a non-zero exit.
//
// A SIGINT or SIGTERM cancels the context threaded into every subcommand
// via cmd.Context(), so an operator's Ctrl-C during "run" reaches the
// in-flight runner invocation rather than just killing the process: the
// current step gets a chance to stop cleanly (internal/runner grants it
// a grace period before a hard kill) and no partial commit is written.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		reportFailure(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable verbose diagnostic output on stderr")
	rootCmd.PersistentFlags().StringVar(&logEventsFlag, "log-file", "", "append JSON Lines event records to this file")
	rootCmd.AddCommand(buildCmd, runCmd, statusCmd, inspectCmd)
}

// newLogger builds this invocation's *arblog.Logger from the persistent
// --verbose/--log-file flags. Called once per command instead of at
// package init so tests that set the flag vars directly (rather than
// going through Execute) still get a logger reflecting their values.
func newLogger(cmd *cobra.Command) *arblog.Logger {
	return arblog.New(cmd.ErrOrStderr(), verboseFlag, logEventsFlag)
}

// reportFailure writes the machine-readable code on the first stderr
// line followed by a one-paragraph human summary, per spec.md §7. JSON
// formatted commands (status/inspect --format json) instead emit the
// equivalent object to stdout themselves and wrap the error in
// alreadyReported, so this path is skipped for them — spec.md §7 says
// the JSON object on stdout replaces the stderr shape, not supplements it.
func reportFailure(w io.Writer, err error) {
	var reported *alreadyReported
	if errors.As(err, &reported) {
		return
	}
	ae := classify(err)
	fmt.Fprintln(w, ae.Code)
	fmt.Fprintln(w, ae.Error())
}

// alreadyReported marks an error whose JSON form was already written to
// stdout by the command itself, so Execute's stderr reporting stays a
// no-op while the command still exits non-zero.
type alreadyReported struct {
	cause error
}

func (e *alreadyReported) Error() string { return e.cause.Error() }
func (e *alreadyReported) Unwrap() error { return e.cause }

// classify maps an error surfaced by an internal package into the
// arberr.Code the CLI boundary is responsible for choosing. Internal
// packages never construct arberr.Error themselves (per their own
// package docs), so every non-arberr error reaching here is a plain Go
// error from gardener, materializer, vcs, or specparser that must be
// classified here by type.
func classify(err error) *arberr.Error {
	var ae *arberr.Error
	if errors.As(err, &ae) {
		return ae
	}

	var stall *gardener.StallError
	if errors.As(err, &stall) {
		return arberr.Wrap(arberr.CodeStall, err, "no ready task to drive; %d task(s) blocked", len(stall.Blocked))
	}
	var rollupConflict *gardener.RollupConflictError
	if errors.As(err, &rollupConflict) {
		return arberr.Wrap(arberr.CodeVCS, err, "rollup conflict folding children of %s", rollupConflict.ParentID)
	}
	var conflict *materializer.Conflict
	if errors.As(err, &conflict) {
		return arberr.Wrap(arberr.CodeSpec, err, "materialize conflict on %s", conflict.NodeID)
	}
	var multi *materializer.MultiConflict
	if errors.As(err, &multi) {
		return arberr.Wrap(arberr.CodeSpec, err, "%d materialize conflict(s) found", len(multi.Conflicts))
	}
	var opErr *vcs.OpError
	if errors.As(err, &opErr) {
		return arberr.Wrap(arberr.CodeVCS, err, "git operation %q failed", opErr.Op)
	}

	return arberr.Wrap(arberr.CodeInternal, err, "unexpected failure")
}
