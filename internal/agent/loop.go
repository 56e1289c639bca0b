// Package agent runs the completion/tool-dispatch cycle: call the model,
// execute any tool calls it makes through the tool provider stack, feed the
// results back, and repeat until the model answers in text or the iteration
// cap forces a terminal reply.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/internal/tools"
	"github.com/werdnum/family-assistant/pkg/models"
)

const defaultMaxIterations = 5

// advisoryNote is appended when the iteration cap is hit and the model still
// produced no terminal text.
const advisoryNote = "I was unable to complete the request within the allowed number of tool calls."

// Config tunes the orchestrator loop.
type Config struct {
	// MaxIterations caps the completion/tool cycles per turn. The final
	// iteration forbids tool calls to force a text reply. Default 5.
	MaxIterations int
}

func (c *Config) maxIterations() int {
	if c == nil || c.MaxIterations <= 0 {
		return defaultMaxIterations
	}
	return c.MaxIterations
}

// Result is the outcome of one orchestrated turn.
type Result struct {
	// Content is the model's terminal text reply.
	Content string

	// Messages is the full transcript including the assistant and tool
	// messages produced during the turn, ready to persist as history.
	Messages []models.Message

	// Attachments collects files produced by tool executions during the turn.
	Attachments []models.Attachment

	// Confirmation is set when a tool requires user confirmation and no
	// callback could obtain it. The caller should ask the user and re-run the
	// turn with a confirming provider carrying their answer. Content is empty
	// in that case.
	Confirmation *tools.ConfirmationRequiredError
}

// Orchestrator drives one conversational turn against a client and a tool
// provider stack.
type Orchestrator struct {
	client   llm.Client
	provider tools.Provider
	config   *Config
	logger   *slog.Logger
}

// New builds an orchestrator. provider may be nil for tool-less turns.
func New(client llm.Client, provider tools.Provider, config *Config) *Orchestrator {
	return &Orchestrator{
		client:   client,
		provider: provider,
		config:   config,
		logger:   observability.ComponentLogger("agent"),
	}
}

// Run executes the loop until the model produces a text-only reply, a tool
// demands user confirmation, the iteration cap is reached, or the provider
// call fails.
func (o *Orchestrator) Run(ctx context.Context, messages []models.Message) (*Result, error) {
	if o.client == nil {
		return nil, errors.New("no client configured")
	}
	if len(messages) == 0 {
		return nil, errors.New("no messages")
	}

	var definitions []llm.ToolDefinition
	if o.provider != nil {
		defs, err := o.provider.GetDefinitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool definitions: %w", err)
		}
		definitions = defs
	}

	transcript := make([]models.Message, len(messages))
	copy(transcript, messages)

	result := &Result{}
	maxIterations := o.config.maxIterations()

	for iteration := 0; iteration < maxIterations; iteration++ {
		req := &llm.Request{
			Messages: transcript,
			Tools:    definitions,
		}
		if iteration == maxIterations-1 {
			// Last chance: forbid tools so the model must answer in text.
			req.ToolChoice = llm.ToolChoiceNone
			req.Tools = nil
		}

		out, err := o.client.GenerateResponse(ctx, req)
		if err != nil {
			return nil, err
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   out.Content,
			ToolCalls: out.ToolCalls,
		}
		if out.ProviderMetadata != nil {
			assistant.ProviderMetadata = out.ProviderMetadata
		}
		transcript = append(transcript, assistant)

		if len(out.ToolCalls) == 0 {
			result.Content = out.Content
			result.Messages = transcript
			return result, nil
		}

		// Tool calls run serially in the order the model issued them and
		// their result messages keep that order.
		for _, call := range out.ToolCalls {
			toolMsg, confirmation, err := o.dispatch(ctx, call)
			if err != nil {
				return nil, err
			}
			if confirmation != nil {
				result.Confirmation = confirmation
				result.Messages = transcript
				return result, nil
			}
			result.Attachments = append(result.Attachments, toolMsg.Attachments...)
			transcript = append(transcript, toolMsg)
		}
	}

	// The cap was reached without a terminal text. Leave the model's history
	// consistent and give the user something to read.
	note := models.AssistantMessage(advisoryNote)
	transcript = append(transcript, note)
	result.Content = advisoryNote
	result.Messages = transcript
	return result, nil
}

// dispatch runs one tool call and renders it as a tool result message. Tool
// failures are reported to the model inside the message, not raised, so the
// model can react; only a pending user confirmation escapes.
func (o *Orchestrator) dispatch(ctx context.Context, call models.ToolCall) (models.Message, *tools.ConfirmationRequiredError, error) {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	if o.provider == nil {
		msg := errorToolMessage(call, fmt.Sprintf("tool %s is not available", name))
		return msg, nil, nil
	}

	execResult, err := o.provider.Execute(ctx, name, args)
	if err != nil {
		var required *tools.ConfirmationRequiredError
		if errors.As(err, &required) {
			o.logger.Info("tool requires confirmation", "tool", name)
			return models.Message{}, required, nil
		}

		var declined *tools.ConfirmationFailedError
		switch {
		case errors.As(err, &declined):
			o.logger.Info("tool declined by user", "tool", name)
			return errorToolMessage(call, fmt.Sprintf("The user declined to allow the %s tool to run.", name)), nil, nil
		case tools.IsNotFound(err):
			o.logger.Warn("model called unknown tool", "tool", name)
			return errorToolMessage(call, fmt.Sprintf("Error: tool %s does not exist.", name)), nil, nil
		default:
			o.logger.Warn("tool execution failed", "tool", name, "error", err)
			return errorToolMessage(call, fmt.Sprintf("Error executing tool %s: %v", name, err)), nil, nil
		}
	}

	msg := models.ToolMessage(call.ID, name, execResult.Text)
	msg.Attachments = execResult.Attachments
	return msg, nil, nil
}

// errorToolMessage answers a tool call with an error-flagged result.
func errorToolMessage(call models.ToolCall, text string) models.Message {
	msg := models.ToolMessage(call.ID, call.Function.Name, text)
	msg.ErrorTraceback = text
	return msg
}
