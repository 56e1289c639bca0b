// Package llm implements the LLM orchestration core: provider clients for
// the OpenAI-family, Google Gemini, Anthropic, and generic proxy backends, a
// retry/fallback wrapper, a structured-output engine, interaction recording
// and playback, and a bounded diagnostic buffer of recent requests.
//
// All clients translate the neutral message model in pkg/models to and from
// each vendor's wire format and map vendor errors into the shared
// ProviderError taxonomy. Clients are immutable after construction and safe
// for concurrent use.
package llm

import (
	"context"
	"encoding/json"

	"github.com/werdnum/family-assistant/pkg/models"
)

// ToolChoice constrains how the model may use tools on a call.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoice = "none"
	// ToolChoiceRequired forces the model to call some tool.
	ToolChoiceRequired ToolChoice = "required"
)

// IsSpecificTool reports whether the choice names a single tool rather than
// one of the generic modes.
func (c ToolChoice) IsSpecificTool() bool {
	switch c {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired, "any":
		return false
	}
	return true
}

// ToolDefinition describes a callable tool in the JSON-Schema subset shared
// by all providers. Parameters is a JSON Schema object; provider clients
// deep-copy and sanitize it before sending.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request contains everything a provider client needs for one completion.
type Request struct {
	Messages   []models.Message `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"tool_choice,omitempty"`
}

// Output is the result of a unary completion.
type Output struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ReasoningInfo carries vendor usage and reasoning metadata as a flat
	// serializable map. The core copies it through without interpretation.
	ReasoningInfo map[string]any `json:"reasoning_info,omitempty"`

	// ProviderMetadata holds provider-private state (e.g. Gemini thought
	// signatures on non-tool-call parts) that must round-trip.
	ProviderMetadata *models.ProviderMetadata `json:"provider_metadata,omitempty"`
}

// IsEmpty reports whether the output carries neither content nor tool calls.
func (o *Output) IsEmpty() bool {
	return o == nil || (o.Content == "" && len(o.ToolCalls) == 0)
}

// StreamEventType identifies the variant of a StreamEvent.
type StreamEventType string

const (
	StreamEventContent    StreamEventType = "content"
	StreamEventToolCall   StreamEventType = "tool_call"
	StreamEventToolResult StreamEventType = "tool_result"
	StreamEventError      StreamEventType = "error"
	StreamEventDone       StreamEventType = "done"
)

// StreamEvent is one unit of a streaming completion. Exactly one Done or
// Error event terminates each stream, after which the channel is closed.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Content is an incremental text chunk for StreamEventContent.
	// Concatenating all Content chunks recovers the full text.
	Content string `json:"content,omitempty"`

	// ToolCall is a fully assembled call for StreamEventToolCall.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// ToolCallID and Result are set for StreamEventToolResult, which only
	// appears in playback and synthetic streams.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     string `json:"result,omitempty"`

	// Err is set for StreamEventError.
	Err error `json:"-"`

	// Metadata carries final reasoning/usage info on StreamEventDone.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentEvent builds an incremental text event.
func ContentEvent(text string) *StreamEvent {
	return &StreamEvent{Type: StreamEventContent, Content: text}
}

// ToolCallEvent builds an assembled tool call event.
func ToolCallEvent(tc models.ToolCall) *StreamEvent {
	return &StreamEvent{Type: StreamEventToolCall, ToolCall: &tc}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) *StreamEvent {
	return &StreamEvent{Type: StreamEventError, Err: err}
}

// DoneEvent builds a terminal completion event.
func DoneEvent(metadata map[string]any) *StreamEvent {
	return &StreamEvent{Type: StreamEventDone, Metadata: metadata}
}

// IsTerminal reports whether the event ends its stream.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type == StreamEventDone || e.Type == StreamEventError
}

// ResponseSchema describes the expected shape of a structured completion.
// Schema is a JSON Schema document; Validate checks a candidate JSON payload
// against it and returns a descriptive error on mismatch.
type ResponseSchema struct {
	Name     string
	Schema   json.RawMessage
	Validate func(data []byte) error
}

// FileMessageOptions configures FormatUserMessageWithFile.
type FileMessageOptions struct {
	// Prompt is the user's textual question about the file. Optional.
	Prompt string

	// FilePath locates the file on disk.
	FilePath string

	// MimeType overrides mime detection by extension.
	MimeType string

	// MaxTextLength truncates inline text files. Zero means the default
	// (100 KiB).
	MaxTextLength int
}

// Client is the uniform contract every provider client implements.
//
// Implementations are long-lived singletons keyed by model identifier,
// immutable after construction, and safe for concurrent use.
type Client interface {
	// ModelID returns the vendor model identifier this client targets.
	ModelID() string

	// ProviderName returns the stable lowercase provider identifier.
	ProviderName() string

	// SupportsMultimodalTools reports whether tool result messages may
	// carry native image/document blocks.
	SupportsMultimodalTools() bool

	// GenerateResponse performs a unary completion.
	GenerateResponse(ctx context.Context, req *Request) (*Output, error)

	// GenerateResponseStream performs a streaming completion. The returned
	// channel delivers events in vendor order and is closed after exactly
	// one terminal Done or Error event.
	GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error)

	// GenerateStructured produces JSON conforming to schema, retrying with
	// validation feedback up to maxRetries additional attempts.
	GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error)

	// FormatUserMessageWithFile builds a user message carrying the file in
	// whatever shape this provider supports.
	FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error)
}

// DefaultStructuredRetries is the default validation-retry budget for
// GenerateStructured.
const DefaultStructuredRetries = 2

// validateRequest enforces the common preflight invariant: the last user
// message, if any, must have content. Runs before any vendor traffic.
func validateRequest(provider, model string, req *Request) error {
	if req == nil || len(req.Messages) == 0 {
		return &ProviderError{
			Kind:     KindInvalidRequest,
			Provider: provider,
			Model:    model,
			Message:  "request has no messages",
		}
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := &req.Messages[i]
		if m.Role != models.RoleUser {
			continue
		}
		if m.IsEmpty() && len(m.Attachments) == 0 {
			return &ProviderError{
				Kind:     KindInvalidRequest,
				Provider: provider,
				Model:    model,
				Message:  "last user message is empty",
			}
		}
		break
	}
	return nil
}

// synthesizeStream converts a unary output into the canonical synthetic
// event sequence: Content, then one ToolCall per call, then Done. Used for
// playback and for vendors whose stream produced no events.
func synthesizeStream(out *Output) <-chan *StreamEvent {
	ch := make(chan *StreamEvent)
	go func() {
		defer close(ch)
		if out.Content != "" {
			ch <- ContentEvent(out.Content)
		}
		for _, tc := range out.ToolCalls {
			ch <- ToolCallEvent(tc)
		}
		ch <- DoneEvent(out.ReasoningInfo)
	}()
	return ch
}

// describeToolChoice renders a tool choice for logs and error messages.
func describeToolChoice(c ToolChoice) string {
	if c == "" {
		return string(ToolChoiceAuto)
	}
	return string(c)
}
