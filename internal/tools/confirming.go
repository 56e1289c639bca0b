package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/werdnum/family-assistant/internal/llm"
)

// ConfirmationCallback asks the user whether a tool may run. Returning false
// declines the execution.
type ConfirmationCallback func(ctx context.Context, prompt, tool string, args json.RawMessage) (bool, error)

// ConfirmingProvider gates selected tools behind user confirmation. With no
// callback configured it refuses with ConfirmationRequiredError so the caller
// can route the question to the chat surface and retry.
type ConfirmingProvider struct {
	inner    Provider
	guarded  map[string]bool
	callback ConfirmationCallback
}

// NewConfirmingProvider requires confirmation for the named tools of inner.
// callback may be nil when the runtime has no way to ask interactively.
func NewConfirmingProvider(inner Provider, callback ConfirmationCallback, guarded ...string) *ConfirmingProvider {
	set := make(map[string]bool, len(guarded))
	for _, name := range guarded {
		set[name] = true
	}
	return &ConfirmingProvider{inner: inner, guarded: set, callback: callback}
}

// GetDefinitions passes through unchanged; gating happens at execution.
func (p *ConfirmingProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	return p.inner.GetDefinitions(ctx)
}

// Execute obtains confirmation for guarded tools before delegating.
func (p *ConfirmingProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if !p.guarded[name] {
		return p.inner.Execute(ctx, name, args)
	}

	prompt := fmt.Sprintf("Allow the assistant to run %s with arguments %s?", name, string(args))
	if p.callback == nil {
		return nil, &ConfirmationRequiredError{Tool: name, Prompt: prompt, Args: args}
	}
	approved, err := p.callback(ctx, prompt, name, args)
	if err != nil {
		return nil, fmt.Errorf("confirm tool %s: %w", name, err)
	}
	if !approved {
		return nil, &ConfirmationFailedError{Tool: name}
	}
	return p.inner.Execute(ctx, name, args)
}
