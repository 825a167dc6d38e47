package sage

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/sage/internal/app"
	"github.com/kagent-dev/sage/internal/mcpserver"
)

// MCPConfig holds configuration for the mcp command
type MCPConfig struct {
	ToolsOnly bool
}

// NewMCPCmd creates the mcp command
func NewMCPCmd(global *GlobalConfig) *cobra.Command {
	cfg := &MCPConfig{}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve research tools over MCP stdio",
		Long: `Expose the research tools to MCP clients over stdin/stdout. Every
registered search tool is published, plus a "research" tool that runs a
full session unless --tools-only is set. Logs go to stderr.

Examples:
  sage mcp
  sage mcp --tools-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), global, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.ToolsOnly, "tools-only", false, "Do not expose the research tool, no LLM provider required")
	return cmd
}

func runMCP(ctx context.Context, global *GlobalConfig, cfg *MCPConfig) error {
	var opts []app.Option
	if cfg.ToolsOnly {
		opts = append(opts, app.WithoutOracle())
	}
	rt, err := global.newRuntime(ctx, true, opts...)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	var researcher mcpserver.Researcher
	if rt.app.Sessions != nil {
		researcher = rt.app.Sessions
	}

	s, err := mcpserver.New(logr.NewContext(ctx, rt.log), rt.app.Dispatcher, researcher, app.Version)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	rt.log.Info("Serving MCP over stdio", "tools", rt.app.Tools.List(), "research", researcher != nil)
	return server.ServeStdio(s)
}
