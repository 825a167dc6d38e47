package llm

import (
	"fmt"
	"strings"
)

// Target is a provider together with the model asked of it.
type Target struct {
	Provider Provider
	Model    string
}

// Chain holds the providers an Oracle may use in the order they are tried.
// The first entry is the primary. Build it before handing it to an Oracle;
// it is read-only afterwards.
type Chain struct {
	targets []Target
	index   map[string]int
}

// NewChain creates an empty provider chain
func NewChain() *Chain {
	return &Chain{index: make(map[string]int)}
}

// Add appends provider to the chain. An empty model selects the provider's
// default. Each provider name may appear once.
func (c *Chain) Add(provider Provider, model string) error {
	name := NormalizeProvider(provider.Name())
	if _, exists := c.index[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	if model == "" {
		model = DefaultModel(name)
	}
	c.index[name] = len(c.targets)
	c.targets = append(c.targets, Target{Provider: provider, Model: model})
	return nil
}

// Get returns the target registered under name, ignoring case.
func (c *Chain) Get(name string) (Target, error) {
	i, exists := c.index[NormalizeProvider(name)]
	if !exists {
		return Target{}, fmt.Errorf("provider %s not found", name)
	}
	return c.targets[i], nil
}

// Names returns the provider names in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.targets))
	for _, t := range c.targets {
		names = append(names, NormalizeProvider(t.Provider.Name()))
	}
	return names
}

// Len reports the number of providers in the chain.
func (c *Chain) Len() int { return len(c.targets) }

// NormalizeProvider folds a configured provider name to its canonical form.
func NormalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
