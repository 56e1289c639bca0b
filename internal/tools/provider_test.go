package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/werdnum/family-assistant/internal/llm"
)

// fakeProvider serves canned definitions and scripted execution outcomes.
type fakeProvider struct {
	defs     []llm.ToolDefinition
	defsErr  error
	results  map[string]*Result
	execErrs map[string]error
	executed []string
}

func (f *fakeProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	return f.defs, f.defsErr
}

func (f *fakeProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	f.executed = append(f.executed, name)
	if err, ok := f.execErrs[name]; ok {
		return nil, err
	}
	if result, ok := f.results[name]; ok {
		return result, nil
	}
	return nil, &NotFoundError{Tool: name}
}

func defsNamed(names ...string) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(names))
	for i, name := range names {
		defs[i] = llm.ToolDefinition{Name: name, Description: name}
	}
	return defs
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&NotFoundError{Tool: "x"}) {
		t.Error("direct NotFoundError not recognized")
	}
	wrapped := errors.Join(errors.New("outer"), &NotFoundError{Tool: "x"})
	if !IsNotFound(wrapped) {
		t.Error("wrapped NotFoundError not recognized")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("plain error misclassified as not-found")
	}
	if IsNotFound(nil) {
		t.Error("nil misclassified as not-found")
	}
}
