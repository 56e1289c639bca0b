package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/internal/mcp"
	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

// RemoteSession is the slice of mcp.Session the provider needs. Satisfied by
// *mcp.Session; narrowed so tests can fake it.
type RemoteSession interface {
	Tools() []*mcp.Tool
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
}

// RemoteProvider exposes the tools of one or more MCP sessions. Executions
// are forwarded to whichever session advertises the tool.
type RemoteProvider struct {
	sessions []RemoteSession
	logger   *slog.Logger
}

// NewRemoteProvider wraps the given sessions. Sessions are consulted in order
// when two servers advertise the same tool name.
func NewRemoteProvider(sessions ...RemoteSession) *RemoteProvider {
	return &RemoteProvider{
		sessions: sessions,
		logger:   observability.ComponentLogger("tools.remote"),
	}
}

// GetDefinitions lists every tool the connected sessions advertise.
func (p *RemoteProvider) GetDefinitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	var defs []llm.ToolDefinition
	for _, session := range p.sessions {
		for _, tool := range session.Tools() {
			def := llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
			}
			if len(tool.InputSchema) > 0 {
				var params map[string]any
				if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
					return nil, fmt.Errorf("tool %s: parse input schema: %w", tool.Name, err)
				}
				def.Parameters = params
			}
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// Execute forwards the call to the first session advertising the tool.
func (p *RemoteProvider) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	session := p.sessionFor(name)
	if session == nil {
		return nil, &NotFoundError{Tool: name}
	}

	start := time.Now()
	callResult, err := session.CallTool(ctx, name, args)
	outcome := "ok"
	if err != nil || (callResult != nil && callResult.IsError) {
		outcome = "error"
	}
	observability.ObserveToolExecution(name, outcome, time.Since(start))
	if err != nil {
		p.logger.Warn("remote tool call failed", "tool", name, "error", err)
		return nil, fmt.Errorf("remote tool %s: %w", name, err)
	}

	result, err := convertCallResult(name, callResult)
	if err != nil {
		return nil, err
	}
	if callResult.IsError {
		return nil, fmt.Errorf("remote tool %s failed: %s", name, result.Text)
	}
	return result, nil
}

func (p *RemoteProvider) sessionFor(name string) RemoteSession {
	for _, session := range p.sessions {
		for _, tool := range session.Tools() {
			if tool.Name == name {
				return session
			}
		}
	}
	return nil
}

// convertCallResult flattens an MCP tool result into text plus attachments.
func convertCallResult(name string, callResult *mcp.ToolCallResult) (*Result, error) {
	var texts []string
	var attachments []models.Attachment
	for _, content := range callResult.Content {
		switch content.Type {
		case "text":
			texts = append(texts, content.Text)
		case "image":
			data, err := base64.StdEncoding.DecodeString(content.Data)
			if err != nil {
				return nil, fmt.Errorf("remote tool %s: decode image content: %w", name, err)
			}
			attachments = append(attachments, models.Attachment{
				ID:       uuid.New().String(),
				MimeType: content.MimeType,
				Size:     int64(len(data)),
				Data:     data,
			})
		default:
			// Resource blocks and future content types degrade to their text,
			// if any.
			if content.Text != "" {
				texts = append(texts, content.Text)
			}
		}
	}
	return &Result{
		Text:        strings.Join(texts, "\n"),
		Attachments: attachments,
	}, nil
}
