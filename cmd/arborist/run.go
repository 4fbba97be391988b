package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/arborist/internal/arberr"
	"github.com/pennyworth-tech/arborist/internal/config"
	"github.com/pennyworth-tech/arborist/internal/gardener"
	"github.com/pennyworth-tech/arborist/internal/runner"
	"github.com/pennyworth-tech/arborist/internal/statereader"
	"github.com/pennyworth-tech/arborist/internal/treeload"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

var (
	runNamespace  string
	runSpecID     string
	runRunner     string
	runModel      string
	runMaxRetries int
	runTestCmd    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a materialized spec's task tree to completion",
	Long: `run reconstructs the task tree from the current repository's branches
alone (no --spec-dir; build must already have materialized it) and
repeatedly drives the first ready leaf through implement, test, and
review, folding completed subtrees up into their parents, until every
task is complete or the run stalls.

Run is restartable: it holds no in-memory state across invocations, so
killing and rerunning it resumes exactly where the repository's commit
history left off.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runNamespace, "namespace", "", "branch namespace to drive (default: sole namespace found)")
	runCmd.Flags().StringVar(&runSpecID, "spec-id", "", "spec id to drive (default: sole spec id found under the namespace)")
	runCmd.Flags().StringVar(&runRunner, "runner", "", "agent runner to invoke (overrides configuration)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model id passed to the runner (overrides configuration)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 0, "override the configured per-task retry cap (0 = use configuration)")
	runCmd.Flags().StringVar(&runTestCmd, "test-command", "", "override the configured test command")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	v := &vcs.Adapter{}
	targetRepo := "."

	ns, specID, err := resolveSpecCoordinates(ctx, v, targetRepo, runNamespace, runSpecID)
	if err != nil {
		return err
	}

	tree, err := treeload.Load(ctx, v, targetRepo, ns, specID)
	if err != nil {
		return arberr.Wrap(arberr.CodeSpec, err, "failed to reconstruct task tree for %s/%s", ns, specID)
	}

	flags := &config.FlagOverrides{
		Runner:      runRunner,
		Model:       runModel,
		Namespace:   ns,
		MaxRetries:  runMaxRetries,
		TestCommand: runTestCmd,
	}
	cfg, err := config.Load(targetRepo, flags)
	if err != nil {
		return arberr.Wrap(arberr.CodeConfig, err, "failed to load configuration")
	}

	reader := &statereader.Reader{VCS: v}
	out := cmd.OutOrStdout()
	log := newLogger(cmd)

	ctrl := &gardener.Controller{
		VCS:    v,
		Runner: &runner.Adapter{Log: log},
		Reader: reader,
		Tree:   tree,
		Config: cfg,
		Dir:    targetRepo,
		Log:    log,
		OnTaskComplete: func(id string, success bool) {
			verdict := "complete"
			if !success {
				verdict = "failed"
			}
			fmt.Fprintf(out, "%s: %s\n", id, verdict)
		},
	}

	if err := ctrl.Run(ctx); err != nil {
		return classify(err)
	}

	fmt.Fprintf(out, "spec %s/%s complete\n", ns, specID)
	return nil
}

// resolveSpecCoordinates fills in namespace/specID when the caller
// omitted one or both flags, per spec.md §6's "run ... always operates
// on the current repository" contract (it never requires both
// coordinates to be spelled out if only one materialized spec exists).
// treeload.Namespaces returns combined "namespace/specID" prefixes, one
// per pair with at least one materialized branch.
func resolveSpecCoordinates(ctx context.Context, v *vcs.Adapter, targetRepo, ns, specID string) (string, string, error) {
	pairs, err := treeload.Namespaces(ctx, v, targetRepo)
	if err != nil {
		return "", "", arberr.Wrap(arberr.CodeVCS, err, "failed to discover materialized specs")
	}

	var candidates []string
	for _, p := range pairs {
		parts := strings.SplitN(p, "/", 2)
		if len(parts) != 2 {
			continue
		}
		if ns != "" && parts[0] != ns {
			continue
		}
		if specID != "" && parts[1] != specID {
			continue
		}
		candidates = append(candidates, p)
	}

	switch len(candidates) {
	case 0:
		return "", "", arberr.New(arberr.CodeSpec, "no materialized spec found matching the given namespace/spec id; run build first", nil)
	case 1:
		parts := strings.SplitN(candidates[0], "/", 2)
		return parts[0], parts[1], nil
	default:
		return "", "", arberr.New(arberr.CodeConfig, fmt.Sprintf("multiple materialized specs found (%v); pass --namespace/--spec-id to disambiguate", candidates), nil)
	}
}
