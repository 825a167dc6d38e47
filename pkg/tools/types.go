package tools

import (
	"context"
)

// Document is one item returned by a tool: a search hit, an article, a page.
type Document struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Published string `json:"published,omitempty"`
}

// Payload is the success value of a tool call. It is stored in the cache as JSON.
type Payload struct {
	SourceType string     `json:"source_type"`
	Query      string     `json:"query,omitempty"`
	Documents  []Document `json:"documents"`
}

// Tool defines the interface for research tools
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Run(ctx context.Context, args map[string]interface{}) (*Payload, error)
}

// BaseTool provides common functionality for tools
type BaseTool struct {
	name        string
	description string
	schema      Schema
}

// NewBaseTool creates a new BaseTool
func NewBaseTool(name, description string, schema Schema) BaseTool {
	return BaseTool{
		name:        name,
		description: description,
		schema:      schema,
	}
}

// Name returns the tool name
func (b *BaseTool) Name() string {
	return b.name
}

// Description returns the tool description
func (b *BaseTool) Description() string {
	return b.description
}

// Schema returns the declared parameter schema
func (b *BaseTool) Schema() Schema {
	return b.schema
}

// HandlerFunc executes a tool call with schema-validated arguments.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (*Payload, error)

type funcTool struct {
	BaseTool
	handler HandlerFunc
}

// NewFuncTool builds a Tool from a name, schema and handler function.
func NewFuncTool(name, description string, schema Schema, handler HandlerFunc) Tool {
	return &funcTool{
		BaseTool: NewBaseTool(name, description, schema),
		handler:  handler,
	}
}

func (t *funcTool) Run(ctx context.Context, args map[string]interface{}) (*Payload, error) {
	return t.handler(ctx, args)
}
