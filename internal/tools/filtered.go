package tools

import (
	"context"
	"encoding/json"

	"github.com/werdnum/family-assistant/internal/llm"
)

// FilteredProvider restricts a provider to a permitted subset of its tools.
// Non-permitted tools are invisible to the model and refuse execution.
type FilteredProvider struct {
	inner     Provider
	permitted map[string]bool
}

// NewFilteredProvider permits only the named tools of inner.
func NewFilteredProvider(inner Provider, permitted ...string) *FilteredProvider {
	set := make(map[string]bool, len(permitted))
	for _, name := range permitted {
		set[name] = true
	}
	return &FilteredProvider{inner: inner, permitted: set}
}

// GetDefinitions lists only the permitted tools.
func (p *FilteredProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	defs, err := p.inner.GetDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if p.permitted[def.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered, nil
}

// Execute refuses tools outside the permit list.
func (p *FilteredProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if !p.permitted[name] {
		return nil, &NotFoundError{Tool: name}
	}
	return p.inner.Execute(ctx, name, args)
}
