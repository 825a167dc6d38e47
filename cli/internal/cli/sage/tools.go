package sage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/sage/internal/app"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/tools"
)

// NewToolsCmd creates the tools command
func NewToolsCmd(global *GlobalConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and invoke research tools",
		Long: `List the registered research tools or invoke one directly. Direct
invocations go through the same cache as research sessions.

Examples:
  sage tools list
  sage tools invoke web_search --args '{"query": "grid scale storage"}'`,
	}

	cmd.AddCommand(newToolsListCmd(global))
	cmd.AddCommand(newToolsInvokeCmd(global))
	return cmd
}

func newToolsListCmd(global *GlobalConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := global.newRuntime(cmd.Context(), false, app.WithoutOracle())
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())
			RenderTools(cmd.OutOrStdout(), rt.app.Dispatcher.Definitions())
			return nil
		},
	}
}

func newToolsInvokeCmd(global *GlobalConfig) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "invoke [tool]",
		Short: "Invoke a tool and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := ParseArguments(rawArgs)
			if err != nil {
				return err
			}
			return invokeTool(cmd.Context(), global, args[0], arguments, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Tool arguments as a JSON object")
	return cmd
}

func invokeTool(ctx context.Context, global *GlobalConfig, name string, arguments map[string]interface{}, out io.Writer) error {
	rt, err := global.newRuntime(ctx, false, app.WithoutOracle())
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	result := rt.app.Dispatcher.Invoke(ctx, name, arguments)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Failed() {
		return result.Err
	}
	return nil
}

// ParseArguments decodes a JSON object of tool arguments.
func ParseArguments(raw string) (map[string]interface{}, error) {
	arguments := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return arguments, nil
	}
	if err := json.Unmarshal([]byte(raw), &arguments); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "tool arguments must be a JSON object", err)
	}
	return arguments, nil
}

// RenderTools writes tool definitions as a table.
func RenderTools(w io.Writer, defs []tools.Definition) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Tool", "Parameters", "Description"})
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "Description", WidthMax: 60}})
	for _, def := range defs {
		t.AppendRow(table.Row{def.Name, parameterList(def.Parameters), def.Description})
	}
	t.Render()
}

// parameterList renders JSON schema properties, required ones first and
// marked with an asterisk.
func parameterList(schema map[string]interface{}) string {
	properties, _ := schema["properties"].(map[string]interface{})
	required := map[string]bool{}
	switch names := schema["required"].(type) {
	case []string:
		for _, n := range names {
			required[n] = true
		}
	case []interface{}:
		for _, n := range names {
			if s, ok := n.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		kind := ""
		if prop, ok := properties[name].(map[string]interface{}); ok {
			kind, _ = prop["type"].(string)
		}
		label := fmt.Sprintf("%s:%s", name, kind)
		if required[name] {
			label += "*"
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, ", ")
}
