package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pennyworth-tech/arborist/internal/tasktree"
)

// ReviewParams carries everything Review needs to run one review
// attempt for a single task node.
type ReviewParams struct {
	Dir            string
	Node           *tasktree.TaskNode
	Branch         string
	ParentBranch   string
	RunnerID       string
	TimeoutSeconds int
	CommandPrefix  []string
	Environment    []string
	Retry          int
	LogDir         string
	DiffMaxBytes   int
}

// Review diffs the task's branch against its parent, asks the runner
// to approve or reject the change, and appends exactly one commit
// recording the verdict. Ambiguous runner output is treated as
// rejected — the pessimistic default.
func Review(ctx context.Context, v VCS, r Runner, p ReviewParams) (Outcome, error) {
	if err := v.SwitchTo(ctx, p.Dir, p.Branch); err != nil {
		return Outcome{}, fmt.Errorf("review %s: %w", p.Node.ID, err)
	}

	diff, err := v.Diff(ctx, p.Dir, p.ParentBranch, p.Branch, p.DiffMaxBytes)
	if err != nil {
		return Outcome{}, fmt.Errorf("review %s: diff: %w", p.Node.ID, err)
	}

	prompt := buildReviewPrompt(p, diff)
	res, err := r.Run(ctx, p.RunnerID, prompt, p.Dir, p.TimeoutSeconds, p.CommandPrefix, p.Environment)
	if err != nil {
		return Outcome{}, fmt.Errorf("review %s: %w", p.Node.ID, err)
	}

	logPath, err := writeArtifact(p.LogDir, p.Node.ID, "review", []byte(res.Output))
	if err != nil {
		return Outcome{}, fmt.Errorf("review %s: %w", p.Node.ID, err)
	}

	approved, rationale := parseVerdict(res.Output)
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}

	subject := fmt.Sprintf("task(%s): review %s for %q", p.Node.ID, verdict, p.Node.Name)
	trailers := trailerBlock(
		"Arborist-Step: review",
		"Arborist-Review: "+verdict,
		"Arborist-Retry: "+strconv.Itoa(p.Retry),
		"Arborist-Review-Log: "+logPath,
	)
	message := commitMessage(subject, tailBytes(rationale, bodyTailCap), trailers)
	rev, err := v.NewChange(ctx, p.Dir, nil, message)
	if err != nil {
		return Outcome{}, fmt.Errorf("review %s: record %s: %w", p.Node.ID, verdict, err)
	}
	return Outcome{Success: approved, Commit: rev}, nil
}

func buildReviewPrompt(p ReviewParams, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review task %s: %s\n\n", p.Node.ID, p.Node.Name)
	b.WriteString("Diff against the parent branch:\n\n")
	b.WriteString(diff)
	b.WriteString("\n\nReply with a single line beginning with APPROVED or REJECTED, followed by your rationale.\n")
	return b.String()
}

// parseVerdict reads the first non-empty line of runner output:
// APPROVED (case-insensitive) approves; REJECTED or anything else
// rejects.
func parseVerdict(output string) (approved bool, rationale string) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(strings.ToUpper(trimmed), "APPROVED"), trimmed
	}
	return false, "(no reviewer output)"
}
