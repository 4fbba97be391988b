package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pennyworth-tech/arborist/internal/cliformat"
	"github.com/pennyworth-tech/arborist/internal/statereader"
	"github.com/pennyworth-tech/arborist/internal/tasktree"
	"github.com/pennyworth-tech/arborist/internal/treeload"
	"github.com/pennyworth-tech/arborist/internal/vcs"
)

var (
	statusSpecID string
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every task's current state, derived entirely from the repository",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSpecID, "spec-id", "", "spec id to inspect (default: sole spec id found)")
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text or json")
}

// statusRow is the JSON shape of one task's status line; text mode
// renders the same fields through a cliformat.Table instead.
type statusRow struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state"`
	Retries int    `json:"retries"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	v := &vcs.Adapter{}
	targetRepo := "."

	ns, specID, err := resolveSpecCoordinates(ctx, v, targetRepo, "", statusSpecID)
	if err != nil {
		return statusFail(cmd, err)
	}

	tree, err := treeload.Load(ctx, v, targetRepo, ns, specID)
	if err != nil {
		return statusFail(cmd, classify(err))
	}

	reader := &statereader.Reader{VCS: v}
	rows, err := collectStatusRows(ctx, reader, targetRepo, tree)
	if err != nil {
		return statusFail(cmd, classify(err))
	}

	out := cmd.OutOrStdout()
	if statusFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	table := cliformat.NewTaskTable(out, 1, "TASK", "NAME", "STATE", "RETRIES")
	for _, r := range rows {
		table.AddRow(r.TaskID, r.Name, cliformat.StateLabel(r.State), fmt.Sprintf("%d", r.Retries))
	}
	return table.Render()
}

func collectStatusRows(ctx context.Context, reader *statereader.Reader, dir string, tree *tasktree.TaskTree) ([]statusRow, error) {
	ids := make([]string, 0, len(tree.Nodes))
	for id := range tree.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]statusRow, 0, len(ids))
	for _, id := range ids {
		node := tree.Nodes[id]
		branch := tree.BranchName(id)

		state, err := reader.State(ctx, dir, branch)
		if err != nil {
			return nil, fmt.Errorf("read state of %s: %w", id, err)
		}
		retries, err := reader.LastAttempt(ctx, dir, branch)
		if err != nil {
			return nil, fmt.Errorf("read retry count of %s: %w", id, err)
		}

		rows = append(rows, statusRow{
			TaskID:  id,
			Name:    node.Name,
			State:   string(state),
			Retries: retries,
		})
	}
	return rows, nil
}

// statusFail reports err through status's own channel: --format json
// must still emit a parseable JSON object on failure (spec.md §7's plain
// "E_CODE\nsummary" stderr shape is reserved for commands that never
// promised structured output), while text mode falls back to the shared
// reportFailure path used by every other command.
func statusFail(cmd *cobra.Command, err error) error {
	if statusFormat == "json" {
		ae := classify(err)
		_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
			"error":   string(ae.Code),
			"summary": ae.Error(),
		})
		return &alreadyReported{cause: ae}
	}
	return err
}
