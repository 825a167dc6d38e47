package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

func querySchema() Schema {
	return Schema{Parameters: []Parameter{
		{Name: "query", Type: TypeString, Description: "Search query", Required: true, Rules: "min=2,max=400"},
		{Name: "max_results", Type: TypeInteger, Description: "Result limit", Rules: "min=1,max=20", Default: 5},
	}}
}

func staticTool(name string) Tool {
	return NewFuncTool(name, "returns nothing", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		return &Payload{SourceType: "general"}, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(staticTool("web_search")))

	err := registry.Register(staticTool("web_search"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_RegisterRejectsBadDeclarations(t *testing.T) {
	tests := []struct {
		name   string
		tool   Tool
		errMsg string
	}{
		{name: "empty name", tool: staticTool(""), errMsg: "snake_case"},
		{name: "camel case name", tool: staticTool("webSearch"), errMsg: "snake_case"},
		{
			name: "duplicate parameter",
			tool: NewFuncTool("dup", "", Schema{Parameters: []Parameter{
				{Name: "q", Type: TypeString},
				{Name: "q", Type: TypeString},
			}}, nil),
			errMsg: "declared twice",
		},
		{
			name:   "unknown type",
			tool:   NewFuncTool("bad_type", "", Schema{Parameters: []Parameter{{Name: "q", Type: "text"}}}, nil),
			errMsg: "unsupported type",
		},
		{
			name:   "unknown validator rule",
			tool:   NewFuncTool("bad_rule", "", Schema{Parameters: []Parameter{{Name: "q", Type: TypeString, Rules: "no_such_rule"}}}, nil),
			errMsg: "invalid rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.tool)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRegistry_Seal(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(staticTool("web_search")))

	registry.Seal()

	err := registry.Register(staticTool("news_search"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
	assert.Equal(t, []string{"web_search"}, registry.List())
}

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(staticTool("web_search")))

	tool, err := registry.Get("web_search")
	require.NoError(t, err)
	assert.Equal(t, "web_search", tool.Name())

	_, err = registry.Get("nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownTool))
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistry_Definitions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(staticTool("web_search")))
	require.NoError(t, registry.Register(staticTool("news_search")))

	defs := registry.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "web_search", defs[0].Name)
	assert.Equal(t, "news_search", defs[1].Name)

	params := defs[0].Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"query"}, params["required"])
	props := params["properties"].(map[string]interface{})
	assert.Contains(t, props, "query")
	assert.Equal(t, 5, props["max_results"].(map[string]interface{})["default"])
}
