// Package models defines the neutral conversation model shared by the chat
// adapters, persistence, and the LLM orchestration core. Provider clients
// translate these types to and from each vendor's wire format; nothing in
// this package knows about any particular provider beyond the opaque
// ProviderMetadata envelope.
package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// Message is the unified message format for a single conversational turn.
//
// Which fields are meaningful depends on Role:
//   - system: Content
//   - user: Content or Parts
//   - assistant: Content and/or ToolCalls (at least one must be non-empty)
//   - tool: ToolCallID, Name, Content or Parts
//   - error: Content, optionally ErrorTraceback
//
// Attachments is transient: it carries in-memory attachment payloads across
// exactly one provider-call boundary and is never serialized. Durable
// references live in AttachmentRefs.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// Parts holds structured content for user and tool messages that mix
	// text with images or file references. When non-empty it takes
	// precedence over Content.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the assistant tool call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name for tool messages.
	Name string `json:"name,omitempty"`

	// ErrorTraceback carries a stringified failure trace for tool and error
	// messages.
	ErrorTraceback string `json:"error_traceback,omitempty"`

	// ProviderMetadata is opaque provider-private state that must round-trip
	// unchanged across turns (e.g. Gemini thought signatures).
	ProviderMetadata *ProviderMetadata `json:"provider_metadata,omitempty"`

	// AttachmentRefs are durable attachment IDs associated with a tool
	// result.
	AttachmentRefs []string `json:"attachment_refs,omitempty"`

	// Attachments holds resolved attachment payloads for the current call
	// only. Never serialized; provider clients clear it on the copy they
	// send over the wire.
	Attachments []Attachment `json:"-"`
}

// ContentPartType identifies the variant of a ContentPart.
type ContentPartType string

const (
	PartText            ContentPartType = "text"
	PartImageURL        ContentPartType = "image_url"
	PartAttachmentRef   ContentPartType = "attachment_ref"
	PartFilePlaceholder ContentPartType = "file_placeholder"
)

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// ImageURL is set for PartImageURL. May be an https URL or a data URI.
	ImageURL string `json:"image_url,omitempty"`

	// AttachmentID is set for PartAttachmentRef.
	AttachmentID string `json:"attachment_id,omitempty"`

	// FileReference is set for PartFilePlaceholder. It names a
	// provider-side uploaded file.
	FileReference string `json:"file_reference,omitempty"`
}

// TextPart builds a PartText content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds a PartImageURL content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: url}
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`

	// ProviderMetadata carries provider-private state attached to this
	// specific call (e.g. the Gemini thought signature of the part that
	// produced it).
	ProviderMetadata *ProviderMetadata `json:"provider_metadata,omitempty"`
}

// FunctionCall holds the tool name and its serialized arguments.
//
// Arguments is always a JSON string on the wire, matching the OpenAI and
// Anthropic conventions and keeping record/replay matching stable. Use
// NewToolCall to normalize structured arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a ToolCall, normalizing args to a JSON string. args may
// be a string (assumed to already be JSON), json.RawMessage, or any
// JSON-serializable value.
func NewToolCall(id, name string, args any) (ToolCall, error) {
	var serialized string
	switch v := args.(type) {
	case nil:
		serialized = "{}"
	case string:
		serialized = v
	case json.RawMessage:
		serialized = string(v)
	case []byte:
		serialized = string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ToolCall{}, fmt.Errorf("serialize tool call arguments: %w", err)
		}
		serialized = string(raw)
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: serialized},
	}, nil
}

// ArgumentsMap parses the call's arguments into a map. An empty arguments
// string parses as an empty map.
func (f FunctionCall) ArgumentsMap() (map[string]any, error) {
	if f.Arguments == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &out); err != nil {
		return nil, fmt.Errorf("parse tool call arguments for %s: %w", f.Name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ProviderMetadata is an extensible, provider-tagged envelope for opaque
// state. Only the variant matching Provider is populated. The core never
// interprets the payload; it stores it and passes it back to the originating
// provider.
type ProviderMetadata struct {
	Provider string          `json:"provider"`
	Gemini   *GeminiMetadata `json:"gemini,omitempty"`
}

// GeminiMetadata carries Gemini-private conversation state.
type GeminiMetadata struct {
	// ThoughtSignature is an opaque byte string that must be echoed back to
	// Gemini byte-identical on the next turn. Dropping or mutating it is a
	// correctness bug.
	ThoughtSignature ThoughtSignature `json:"thought_signature,omitempty"`

	InteractionID string `json:"interaction_id,omitempty"`
}

// GeminiProviderMetadata wraps a thought signature in a tagged envelope.
func GeminiProviderMetadata(sig []byte) *ProviderMetadata {
	return &ProviderMetadata{
		Provider: "gemini",
		Gemini:   &GeminiMetadata{ThoughtSignature: ThoughtSignature(sig)},
	}
}

// ThoughtSignature is an uninterpreted byte string received from Gemini.
// It serializes as standard base64 so it survives JSON persistence without
// corruption.
type ThoughtSignature []byte

// StorageString returns the base64 form used for durable storage.
func (t ThoughtSignature) StorageString() string {
	return base64.StdEncoding.EncodeToString(t)
}

// ThoughtSignatureFromStorage decodes the base64 storage form.
func ThoughtSignatureFromStorage(s string) (ThoughtSignature, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode thought signature: %w", err)
	}
	return ThoughtSignature(b), nil
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a plain-text user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant text message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool result message answering the given call.
func ToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Name: name, Content: content}
}

// TextContent returns the textual body of the message: Content when set,
// otherwise the concatenation of its text parts.
func (m *Message) TextContent() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// IsEmpty reports whether the message carries neither textual nor structured
// content nor tool calls.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && len(m.Parts) == 0 && len(m.ToolCalls) == 0
}

// Clone returns a deep copy of the message. Transient attachments are
// copied by reference: the slice is duplicated but the payloads are shared.
func (m Message) Clone() Message {
	out := m
	if len(m.Parts) > 0 {
		out.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		for i := range out.ToolCalls {
			out.ToolCalls[i].ProviderMetadata = cloneProviderMetadata(out.ToolCalls[i].ProviderMetadata)
		}
	}
	if len(m.AttachmentRefs) > 0 {
		out.AttachmentRefs = append([]string(nil), m.AttachmentRefs...)
	}
	if len(m.Attachments) > 0 {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	out.ProviderMetadata = cloneProviderMetadata(m.ProviderMetadata)
	return out
}

func cloneProviderMetadata(meta *ProviderMetadata) *ProviderMetadata {
	if meta == nil {
		return nil
	}
	out := *meta
	if out.Gemini != nil {
		g := *out.Gemini
		g.ThoughtSignature = append(ThoughtSignature(nil), g.ThoughtSignature...)
		out.Gemini = &g
	}
	return &out
}

// ValidateConversation checks the cross-message invariants of a conversation
// slice: assistant messages must carry content or tool calls, and every tool
// message must answer a tool call issued by a preceding assistant message.
func ValidateConversation(messages []Message) error {
	issued := make(map[string]bool)
	for i, m := range messages {
		switch m.Role {
		case RoleAssistant:
			if m.IsEmpty() {
				return fmt.Errorf("message %d: assistant message has neither content nor tool calls", i)
			}
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("message %d: tool call missing id", i)
				}
				issued[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message missing tool_call_id", i)
			}
			if !issued[m.ToolCallID] {
				return fmt.Errorf("message %d: tool message answers unknown tool call %q", i, m.ToolCallID)
			}
		}
	}
	return nil
}
