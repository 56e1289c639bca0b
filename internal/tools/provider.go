// Package tools implements the tool provider stack the orchestrator
// dispatches against: a local registry, a remote bridge to MCP servers, and
// composing/filtering/confirming decorators. Providers share one interface so
// the orchestrator never knows where a tool actually runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/pkg/models"
)

// Result is what a tool execution produces: text for the model, optional
// attachments to materialize into the conversation, and optional structured
// data for programmatic callers.
type Result struct {
	Text           string
	Attachments    []models.Attachment
	StructuredData map[string]any
}

// TextResult wraps a plain string as a Result.
func TextResult(text string) *Result {
	return &Result{Text: text}
}

// Provider is the orchestrator-facing tool surface.
type Provider interface {
	// GetDefinitions lists the tools this provider can execute.
	GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error)

	// Execute runs the named tool with JSON-encoded arguments. It returns
	// *NotFoundError when the tool does not exist here, and the confirmation
	// errors when a confirming decorator intervenes.
	Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error)
}

// NotFoundError reports that no tool with the given name exists.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// IsNotFound reports whether err is a tool-not-found failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConfirmationRequiredError reports that a tool needs user confirmation and
// no callback was available to obtain it. The orchestrator surfaces this to
// the chat layer instead of the model.
type ConfirmationRequiredError struct {
	Tool   string
	Prompt string
	Args   json.RawMessage
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("tool %s requires user confirmation", e.Tool)
}

// ConfirmationFailedError reports that the user declined a tool execution.
// It is reported back to the model as a declined tool result.
type ConfirmationFailedError struct {
	Tool string
}

func (e *ConfirmationFailedError) Error() string {
	return fmt.Sprintf("user declined execution of tool %s", e.Tool)
}
