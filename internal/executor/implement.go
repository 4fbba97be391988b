package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
)

// ImplementParams carries everything Implement needs to run one
// implement attempt for a single task node.
type ImplementParams struct {
	Dir           string
	Node          *tasktree.TaskNode
	Branch        string
	SpecContext   string
	RunnerID      string
	Model         string
	TimeoutSeconds int
	CommandPrefix []string
	Environment   []string
	Retry         int
	MaxRetries    int
	// Lessons holds the subjects+bodies of prior failed implement/test/
	// review commits in this attempt cycle, newest first.
	Lessons []string
}

// Implement positions the working copy on the task's branch, invokes
// the runner with a prompt built from the task and any lessons learned
// from prior failures this cycle, and appends exactly one commit
// recording the outcome.
func Implement(ctx context.Context, v VCS, r Runner, p ImplementParams) (Outcome, error) {
	if err := v.SwitchTo(ctx, p.Dir, p.Branch); err != nil {
		return Outcome{}, fmt.Errorf("implement %s: %w", p.Node.ID, err)
	}

	prompt := buildImplementPrompt(p)
	res, err := r.Run(ctx, p.RunnerID, prompt, p.Dir, p.TimeoutSeconds, p.CommandPrefix, p.Environment)
	if err != nil {
		return Outcome{}, fmt.Errorf("implement %s: %w", p.Node.ID, err)
	}

	retryStr := strconv.Itoa(p.Retry)

	if !res.Success {
		subject := fmt.Sprintf("task(%s): implement %q (failed, attempt %d/%d)", p.Node.ID, p.Node.Name, p.Retry, p.MaxRetries)
		trailers := trailerBlock(
			"Arborist-Step: implement",
			"Arborist-Result: fail",
			"Arborist-Retry: "+retryStr,
		)
		message := commitMessage(subject, tailBytes(res.Output, bodyTailCap), trailers)
		rev, err := v.NewChange(ctx, p.Dir, nil, message)
		if err != nil {
			return Outcome{}, fmt.Errorf("implement %s: record failure: %w", p.Node.ID, err)
		}
		return Outcome{Success: false, Commit: rev}, nil
	}

	if err := v.StageAll(ctx, p.Dir); err != nil {
		return Outcome{}, fmt.Errorf("implement %s: stage changes: %w", p.Node.ID, err)
	}

	subject := fmt.Sprintf("task(%s): implement %q", p.Node.ID, p.Node.Name)
	trailers := trailerBlock(
		"Arborist-Step: implement",
		"Arborist-Result: pass",
		"Arborist-Retry: "+retryStr,
	)
	message := commitMessage(subject, tailBytes(res.Output, bodyTailCap), trailers)
	rev, err := v.NewChange(ctx, p.Dir, nil, message)
	if err != nil {
		return Outcome{}, fmt.Errorf("implement %s: record success: %w", p.Node.ID, err)
	}
	return Outcome{Success: true, Commit: rev}, nil
}

func buildImplementPrompt(p ImplementParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", p.Node.ID, p.Node.Name)
	if p.Node.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Node.Description)
	}
	if p.SpecContext != "" {
		fmt.Fprintf(&b, "Context:\n%s\n\n", p.SpecContext)
	}
	if len(p.Lessons) > 0 {
		b.WriteString("Lessons learned from prior attempts this cycle:\n")
		for _, l := range p.Lessons {
			fmt.Fprintf(&b, "- %s\n", l)
		}
		b.WriteString("\n")
	}
	b.WriteString("Make the code changes needed to complete this task in place. Do not commit; leave the working copy with your edits applied.\n")
	return b.String()
}
