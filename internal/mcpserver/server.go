package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kagent-dev/sage/internal/executor"
	"github.com/kagent-dev/sage/pkg/orchestrator"
	"github.com/kagent-dev/sage/pkg/tools"
)

// ResearchToolName is the MCP tool that runs a full research session.
const ResearchToolName = "research"

// Tools invokes registered research tools. *tools.Dispatcher implements it.
type Tools interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Researcher runs a session to completion. *executor.Service implements it.
type Researcher interface {
	Run(ctx context.Context, req executor.Request) (*orchestrator.Outcome, error)
}

// New builds an MCP server exposing every registered tool plus the research
// tool when researcher is non-nil.
func New(ctx context.Context, dispatcher Tools, researcher Researcher, version string) (*server.MCPServer, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("mcp")

	s := server.NewMCPServer("sage", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Research tools backed by a shared result cache. "+
			"Call individual search tools for quick lookups or research for a full report."),
	)

	for _, def := range dispatcher.Definitions() {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema of %s: %w", def.Name, err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), invokeHandler(dispatcher, def.Name))
		log.V(1).Info("Registered MCP tool", "tool", def.Name)
	}

	if researcher != nil {
		s.AddTool(researchTool(), researchHandler(researcher))
	}
	return s, nil
}

func invokeHandler(dispatcher Tools, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := dispatcher.Invoke(ctx, name, request.GetArguments())
		if result.Failed() {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", result.ErrorCode, result.Error)), nil
		}

		data, err := json.MarshalIndent(result.Payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func researchTool() mcp.Tool {
	return mcp.NewTool(ResearchToolName,
		mcp.WithDescription("Research a goal iteratively across web, news, academic and market sources and return a cited report."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("The research question or goal")),
		mcp.WithNumber("max_iterations", mcp.Description("Upper bound on research iterations")),
		mcp.WithNumber("quality_threshold", mcp.Description("Quality score (0-10) at which research stops")),
		mcp.WithNumber("min_sources", mcp.Description("Sources required for full volume credit")),
	)
}

func researchHandler(researcher Researcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		goal, err := request.RequireString("goal")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		req := executor.Request{Goal: goal}
		args := request.GetArguments()
		if _, ok := args["max_iterations"]; ok {
			v := request.GetInt("max_iterations", 0)
			req.MaxIterations = &v
		}
		if _, ok := args["quality_threshold"]; ok {
			v := request.GetFloat("quality_threshold", 0)
			req.QualityThreshold = &v
		}
		if _, ok := args["min_sources"]; ok {
			v := request.GetInt("min_sources", 0)
			req.MinSources = &v
		}

		outcome, err := researcher.Run(ctx, req)
		if outcome == nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		text := renderOutcome(outcome)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(text)},
				IsError: true,
			}, nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func renderOutcome(o *orchestrator.Outcome) string {
	var b strings.Builder
	b.WriteString(o.Report)
	fmt.Fprintf(&b, "\n\n---\nsession %s: %s after %d iterations, %d sources, quality %.1f",
		o.SessionID, o.Status, o.Iterations, o.Sources, o.QualityScore)
	if o.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", o.Reason)
	}
	return b.String()
}
