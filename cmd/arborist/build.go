package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/arborist/internal/arberr"
	"github.com/pennyworth-tech/arborist/internal/config"
	"github.com/pennyworth-tech/arborist/internal/materializer"
	"github.com/pennyworth-tech/arborist/internal/specparser"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

var (
	buildSpecDir    string
	buildTargetRepo string
	buildNamespace  string
	buildAI         bool
	// buildForce is not in spec.md's flag list but is required by its own
	// prose ("exits non-zero unless --force"); recorded as a resolved Open
	// Question in DESIGN.md.
	buildForce bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Parse a spec directory and materialize its task tree as branches",
	Long: `build parses every markdown file in --spec-dir into a task tree and
projects it onto --target-repo as one branch per task, seeded with the
metadata run/status/inspect need to reconstruct the tree later without
ever re-reading the spec directory.

Re-running build on an unchanged spec is a no-op. Re-running it reports
every task whose existing branch no longer descends from its parent's
seed commit and exits non-zero unless --force is given, which discards
those branches and recreates them from the edited spec. A renamed task,
or a task moved under a different parent, gets a new branch name: that
branch is created fresh, it is not reported, and the old branch is left
in place.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildSpecDir, "spec-dir", ".", "directory of markdown spec files to parse")
	buildCmd.Flags().StringVar(&buildTargetRepo, "target-repo", ".", "repository to materialize branches into")
	buildCmd.Flags().StringVar(&buildNamespace, "namespace", "", "branch namespace prefix (default: built-in default namespace)")
	buildCmd.Flags().BoolVar(&buildAI, "ai", false, "rewrite free-form markdown into structured tasks before parsing")
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "discard diverged branches and rematerialize on a structural conflict")
}

func runBuild(cmd *cobra.Command, args []string) error {
	if buildAI {
		return arberr.New(arberr.CodeConfig, "--ai is not implemented by this kernel; run a structured-spec generator as a separate pre-pass and build the result", nil)
	}

	ctx := cmd.Context()
	log := newLogger(cmd)
	ns := buildNamespace
	if ns == "" {
		ns = config.Default().Namespace
	}
	specID := deriveSpecID(buildSpecDir)

	log.Verbosef("parsing spec directory %s as %s/%s", buildSpecDir, ns, specID)
	tree, err := specparser.Parse(buildSpecDir, ns, specID)
	if err != nil {
		return arberr.Wrap(arberr.CodeSpec, err, "failed to parse spec directory %s", buildSpecDir)
	}
	log.Event("build", "spec parsed", map[string]any{"namespace": ns, "spec_id": specID, "task_count": len(tree.Nodes)})

	v := &vcs.Adapter{}
	m := &materializer.Materializer{VCS: v}

	log.Verbosef("materializing %d task(s) into %s", len(tree.Nodes), buildTargetRepo)
	err = m.Materialize(ctx, buildTargetRepo, tree)
	var multi *materializer.MultiConflict
	if errors.As(err, &multi) {
		printConflicts(cmd.ErrOrStderr(), multi)
		if !buildForce {
			return arberr.Wrap(arberr.CodeSpec, multi, "spec changed structurally since the last build; rerun with --force to discard the diverged branches")
		}
		if rerr := discardConflictingBranches(ctx, v, buildTargetRepo, multi); rerr != nil {
			return arberr.Wrap(arberr.CodeVCS, rerr, "failed to discard diverged branches for --force")
		}
		if err := m.Materialize(ctx, buildTargetRepo, tree); err != nil {
			return arberr.Wrap(arberr.CodeVCS, err, "materialize failed after --force reconciliation")
		}
	} else if err != nil {
		return arberr.Wrap(arberr.CodeVCS, err, "materialize failed")
	}

	log.Event("build", "materialize complete", map[string]any{"namespace": ns, "spec_id": specID})
	fmt.Fprintf(cmd.OutOrStdout(), "materialized %d task(s) under %s/%s\n", len(tree.Nodes), ns, specID)
	return nil
}

// printConflicts reports every diverged task so --force's blast radius
// is visible before (or, on a non-forced run, instead of) any branch is
// discarded.
func printConflicts(w io.Writer, multi *materializer.MultiConflict) {
	for _, c := range multi.Conflicts {
		var conflict *materializer.Conflict
		if errors.As(c, &conflict) {
			fmt.Fprintf(w, "conflict: %s (branch %s): %s\n", conflict.NodeID, conflict.Branch, conflict.Reason)
			continue
		}
		fmt.Fprintln(w, "conflict:", c)
	}
}

// discardConflictingBranches deletes every branch MultiConflict reported
// as diverged, so the next Materialize call recreates each one fresh
// from its current parent under the edited spec.
func discardConflictingBranches(ctx context.Context, v *vcs.Adapter, targetRepo string, multi *materializer.MultiConflict) error {
	for _, c := range multi.Conflicts {
		var conflict *materializer.Conflict
		if !errors.As(c, &conflict) {
			continue
		}
		if _, err := v.BranchDelete(ctx, targetRepo, conflict.Branch); err != nil {
			return fmt.Errorf("delete %s: %w", conflict.Branch, err)
		}
	}
	return nil
}

var specIDSanitizeRE = regexp.MustCompile(`[^a-z0-9]+`)

// deriveSpecID turns a spec directory path into the stable identifier
// used as the second branch-name path segment (namespace/specID/...);
// treeload, run, status, and inspect all key off this same value once
// build has materialized it, so it must be deterministic from the path
// alone.
func deriveSpecID(specDir string) string {
	base := filepath.Base(filepath.Clean(specDir))
	s := strings.ToLower(base)
	s = specIDSanitizeRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "spec"
	}
	return s
}
