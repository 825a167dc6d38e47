package llm

import (
	"fmt"
	"strings"

	"github.com/kagent-dev/sage/pkg/oracle"
)

const systemPrompt = `You are an autonomous research assistant. You work toward a research goal one step at a time.

On every turn either call exactly one of the offered tools to gather more information, or, when the findings are sufficient, reply with the complete final report as Markdown text and no tool call.

The final report must contain an executive summary, the key findings grouped by topic with their sources, and the open questions that remain. Do not invent sources.`

const finalizePrompt = `No tools are available on this turn. Reply with the complete final research report as Markdown text.`

// renderPrompt renders the per-turn user message.
func renderPrompt(req oracle.Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Research goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Phase: %s, iteration %d of %d\n", req.Phase, req.Iteration, req.MaxIterations)

	if req.Summary != "" {
		fmt.Fprintf(&b, "\nFindings so far:\n%s\n", strings.TrimSpace(req.Summary))
	}

	if gap := req.Gap; gap != nil {
		fmt.Fprintf(&b, "\nWeakest area: %q (%d pieces of evidence).", gap.SubQuestion, gap.Evidence)
		if len(gap.FailedTools) > 0 {
			fmt.Fprintf(&b, " These tools already failed for it: %s.", strings.Join(gap.FailedTools, ", "))
		}
		fmt.Fprintf(&b, " Suggested query: %q\n", gap.SuggestedQuery)
	}

	if len(req.RecentFailures) > 0 {
		b.WriteString("\nRecent tool failures:\n")
		for _, a := range req.RecentFailures {
			fmt.Fprintf(&b, "- %s (iteration %d): %s %s\n", a.Tool, a.Iteration, a.ErrorCode, a.Error)
		}
	}

	if req.Caveat != "" {
		fmt.Fprintf(&b, "\nNote for the report: %s\n", req.Caveat)
	}

	if len(req.Tools) == 0 {
		fmt.Fprintf(&b, "\n%s\n", finalizePrompt)
	}

	if req.Corrective != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Corrective)
	}

	return b.String()
}
