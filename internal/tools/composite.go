package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/werdnum/family-assistant/internal/llm"
)

// CompositeProvider fans out over an ordered list of providers. Tool names
// must be globally unique across the stack; the check runs on the first
// definition listing and the verdict is cached.
type CompositeProvider struct {
	providers []Provider

	once    sync.Once
	defs    []llm.ToolDefinition
	defsErr error
}

// NewCompositeProvider composes providers in precedence order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

// GetDefinitions concatenates every sub-provider's definitions, rejecting
// duplicate tool names across providers.
func (p *CompositeProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	p.once.Do(func() {
		seen := make(map[string]int)
		var defs []llm.ToolDefinition
		for i, provider := range p.providers {
			sub, err := provider.GetDefinitions(ctx)
			if err != nil {
				p.defsErr = fmt.Errorf("provider %d definitions: %w", i, err)
				return
			}
			for _, def := range sub {
				if prev, dup := seen[def.Name]; dup {
					p.defsErr = fmt.Errorf("tool %s defined by both provider %d and provider %d", def.Name, prev, i)
					return
				}
				seen[def.Name] = i
				defs = append(defs, def)
			}
		}
		p.defs = defs
	})
	return p.defs, p.defsErr
}

// Execute tries each provider in order, skipping those that do not know the
// tool. Any other failure surfaces immediately.
func (p *CompositeProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	for _, provider := range p.providers {
		result, err := provider.Execute(ctx, name, args)
		if IsNotFound(err) {
			continue
		}
		return result, err
	}
	return nil, &NotFoundError{Tool: name}
}
