package tools

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/stoewer/go-strcase"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// Registry maps tool names to tools. Tools are registered at startup; once
// sealed the mapping is immutable for the lifetime of the process.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	sealed   bool
	validate *validator.Validate
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		validate: validator.New(),
	}
}

// Register adds a tool. Names must be snake_case and unique, and the schema
// must be well formed.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %s", tool.Name())
	}

	name := tool.Name()
	if name == "" || strcase.SnakeCase(name) != name {
		return fmt.Errorf("tool name %q must be non-empty snake_case", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if err := tool.Schema().check(r.validate); err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", name, err)
	}

	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, apperrors.Newf(apperrors.ErrCodeUnknownTool, "tool %s not found", name)
	}
	return tool, nil
}

// List returns tool names in registration order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions describes every registered tool for the decision oracle.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, Definition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema().JSONSchema(),
		})
	}
	return defs
}
