package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/arborist/internal/arberr"
	"github.com/pennyworth-tech/arborist/internal/cliformat"
	"github.com/pennyworth-tech/arborist/internal/treeload"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect <task-id>",
	Short: "Show the full commit history recorded for one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "output format: text or json")
}

// inspectEntry is one commit in a task's recorded history, newest
// first, matching the order LogSubjectMatches returns.
type inspectEntry struct {
	Revision string            `json:"revision"`
	Subject  string            `json:"subject"`
	Trailers map[string]string `json:"trailers,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	ctx := cmd.Context()
	v := &vcs.Adapter{}
	targetRepo := "."

	ns, specID, err := resolveSpecCoordinates(ctx, v, targetRepo, "", "")
	if err != nil {
		return inspectFail(cmd, err)
	}

	tree, err := treeload.Load(ctx, v, targetRepo, ns, specID)
	if err != nil {
		return inspectFail(cmd, arberr.Wrap(arberr.CodeSpec, err, "failed to reconstruct task tree for %s/%s", ns, specID))
	}
	if _, ok := tree.Nodes[taskID]; !ok {
		return inspectFail(cmd, arberr.New(arberr.CodeSpec, fmt.Sprintf("no such task %q under %s/%s", taskID, ns, specID), nil))
	}
	branch := tree.BranchName(taskID)

	commits, err := v.LogSubjectMatches(ctx, targetRepo, branch, fmt.Sprintf("task(%s): ", taskID), 0)
	if err != nil {
		return inspectFail(cmd, arberr.Wrap(arberr.CodeVCS, err, "failed to read history of %s", taskID))
	}
	if len(commits) == 0 {
		return inspectFail(cmd, arberr.New(arberr.CodeSpec, fmt.Sprintf("no commits found for task %s on branch %s", taskID, branch), nil))
	}

	entries := make([]inspectEntry, 0, len(commits))
	for _, c := range commits {
		entries = append(entries, inspectEntry{Revision: c.Revision, Subject: c.Subject, Trailers: c.Trailers})
	}

	out := cmd.OutOrStdout()
	if inspectFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	table := cliformat.NewTable(out, "REVISION", "SUBJECT", "STEP", "RESULT")
	table.SetMaxWidth(0, 10)
	table.SetMaxWidth(1, 40)
	for _, e := range entries {
		step := e.Trailers["Arborist-Step"]
		result := e.Trailers["Arborist-Test"]
		if result == "" {
			result = e.Trailers["Arborist-Review"]
		}
		table.AddRow(e.Revision, e.Subject, cliformat.StateLabel(step), result)
	}
	return table.Render()
}

func inspectFail(cmd *cobra.Command, err error) error {
	if inspectFormat == "json" {
		ae := classify(err)
		_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
			"error":   string(ae.Code),
			"summary": ae.Error(),
		})
		return &alreadyReported{cause: ae}
	}
	return err
}
