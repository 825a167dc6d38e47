package oracle

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/research"
	"github.com/kagent-dev/sage/pkg/tools"
)

// Kind tags the variant held by a Decision.
type Kind string

const (
	KindToolCall    Kind = "tool_call"
	KindFinalAnswer Kind = "final_answer"
	KindMalformed   Kind = "malformed"
)

// ToolCall asks the loop to invoke a tool.
type ToolCall struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Decision is the oracle's answer for one turn: exactly one of a tool call,
// a final report, or a malformed reply.
type Decision struct {
	Kind   Kind      `json:"kind"`
	Call   *ToolCall `json:"call,omitempty"`
	Report string    `json:"report,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Call builds a tool call decision.
func Call(tool string, args map[string]interface{}) Decision {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Decision{Kind: KindToolCall, Call: &ToolCall{Tool: tool, Arguments: args}}
}

// Final builds a final answer decision.
func Final(report string) Decision {
	return Decision{Kind: KindFinalAnswer, Report: report}
}

// Malformed builds a decision the loop will reject.
func Malformed(reason string) Decision {
	return Decision{Kind: KindMalformed, Reason: reason}
}

// Request is everything the oracle sees for one turn.
type Request struct {
	SessionID     string             `json:"session_id"`
	Goal          string             `json:"goal"`
	Phase         research.Phase     `json:"phase"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"max_iterations"`
	Summary       string             `json:"recent_findings_summary"`
	Gap           *research.Gap      `json:"gap,omitempty"`
	Caveat        string             `json:"caveat,omitempty"`
	Tools         []tools.Definition `json:"tool_schemas"`

	// RecentFailures are the latest failed tool calls, oldest first.
	RecentFailures []research.Attempt `json:"recent_failures,omitempty"`

	// Corrective is set on the retry after a malformed decision and explains
	// what was wrong with it.
	Corrective string `json:"corrective,omitempty"`
}

// Oracle decides the next action of a session.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) (Decision, error)

func (f Func) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Check validates the shape of d against req. It returns a
// MALFORMED_DECISION error describing the first problem found.
func Check(req Request, d Decision) error {
	switch d.Kind {
	case KindToolCall:
		if d.Call == nil || strings.TrimSpace(d.Call.Tool) == "" {
			return apperrors.Newf(apperrors.ErrCodeMalformedDecision, "tool call without a tool name")
		}
		if len(req.Tools) == 0 {
			return apperrors.Newf(apperrors.ErrCodeMalformedDecision, "tool call %s when no tools were offered", d.Call.Tool)
		}
	case KindFinalAnswer:
		if strings.TrimSpace(d.Report) == "" {
			return apperrors.Newf(apperrors.ErrCodeMalformedDecision, "final answer with an empty report")
		}
	case KindMalformed:
		reason := d.Reason
		if reason == "" {
			reason = "unparsable reply"
		}
		return apperrors.Newf(apperrors.ErrCodeMalformedDecision, "%s", reason)
	default:
		return apperrors.Newf(apperrors.ErrCodeMalformedDecision, "unknown decision kind %q", d.Kind)
	}
	return nil
}

// Corrective renders the instruction attached to a retry after err.
func Corrective(req Request, err error) string {
	if len(req.Tools) == 0 {
		return fmt.Sprintf("Your previous reply was rejected (%v). Reply with the complete final report as plain text.", err)
	}
	return fmt.Sprintf("Your previous reply was rejected (%v). Reply with exactly one call to one of the offered tools, or with the complete final report as plain text.", err)
}
