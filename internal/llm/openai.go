package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

// OpenAIOptions configures an OpenAI-family client.
type OpenAIOptions struct {
	// ModelID is the vendor model identifier (e.g. "gpt-4o").
	ModelID string

	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey string

	// BaseURL overrides the API endpoint. Used by the generic proxy client.
	BaseURL string

	// ProviderLabel overrides the provider name in errors, logs, and
	// metrics. Defaults to "openai".
	ProviderLabel string

	// Temperature and MaxTokens are forwarded on every call when set.
	Temperature *float32
	MaxTokens   int

	// ReasoningEffort is forwarded only by proxy-labelled clients; native
	// OpenAI clients ignore it.
	ReasoningEffort string

	// Buffer receives request records. Nil uses the global buffer.
	Buffer *RequestBuffer
}

// OpenAIClient talks the OpenAI chat completion protocol. It also backs the
// generic proxy client, which is the same wire format pointed at a
// different base URL.
type OpenAIClient struct {
	client          *openai.Client
	modelID         string
	provider        string
	temperature     *float32
	maxTokens       int
	reasoningEffort string
	buffer          *RequestBuffer
	logger          *slog.Logger
}

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && opts.BaseURL == "" {
		return nil, errors.New("openai: no API key configured (set OPENAI_API_KEY)")
	}
	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	provider := opts.ProviderLabel
	if provider == "" {
		provider = "openai"
	}
	reasoning := opts.ReasoningEffort
	if provider == "openai" {
		reasoning = ""
	}
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(cfg),
		modelID:         opts.ModelID,
		provider:        provider,
		temperature:     opts.Temperature,
		maxTokens:       opts.MaxTokens,
		reasoningEffort: reasoning,
		buffer:          opts.Buffer,
		logger:          observability.ComponentLogger("llm." + provider),
	}, nil
}

func (c *OpenAIClient) ModelID() string      { return c.modelID }
func (c *OpenAIClient) ProviderName() string { return c.provider }

// SupportsMultimodalTools is false: tool results are text-only and
// attachments travel as synthetic user messages.
func (c *OpenAIClient) SupportsMultimodalTools() bool { return false }

// GenerateResponse performs a unary chat completion.
func (c *OpenAIClient) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	if err := validateRequest(c.provider, c.modelID, req); err != nil {
		return nil, err
	}
	chatReq, err := c.buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	c.logRequest(req)

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		observability.ObserveLLMRequest(c.provider, c.modelID, string(perr.Kind), time.Since(start))
		return nil, perr
	}

	out, err := c.outputFromResponse(&resp)
	recordCall(c.buffer, c.modelID, req, out, err, start)
	if err != nil {
		observability.ObserveLLMRequest(c.provider, c.modelID, "error", time.Since(start))
		return nil, err
	}
	observability.ObserveLLMRequest(c.provider, c.modelID, "ok", time.Since(start))
	observability.ObserveLLMTokens(c.provider, c.modelID,
		int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	return out, nil
}

// GenerateResponseStream performs a streaming chat completion. Tool calls
// arrive as indexed deltas and are assembled before emission.
func (c *OpenAIClient) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	if err := validateRequest(c.provider, c.modelID, req); err != nil {
		return nil, err
	}
	chatReq, err := c.buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	c.logRequest(req)

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, *chatReq)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		observability.ObserveLLMRequest(c.provider, c.modelID, string(perr.Kind), time.Since(start))
		return nil, perr
	}

	events := make(chan *StreamEvent)
	go c.processStream(ctx, stream, req, events, start)
	return events, nil
}

// processStream drains the vendor stream, assembling indexed tool-call
// deltas and terminating with exactly one Done or Error event.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, req *Request, events chan<- *StreamEvent, start time.Time) {
	defer close(events)
	defer stream.Close()

	assembled := &Output{}
	pending := make(map[int]*models.ToolCall)
	order := []int{}
	var usage *openai.Usage

	flushToolCalls := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.ID == "" || tc.Function.Name == "" {
				continue
			}
			if tc.Function.Arguments == "" {
				tc.Function.Arguments = "{}"
			}
			assembled.ToolCalls = append(assembled.ToolCalls, *tc)
			events <- ToolCallEvent(*tc)
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	finish := func(ev *StreamEvent, callErr error) {
		recordCall(c.buffer, c.modelID, req, assembled, callErr, start)
		outcome := "ok"
		if callErr != nil {
			outcome = string(KindOf(callErr))
		}
		observability.ObserveLLMRequest(c.provider, c.modelID, outcome, time.Since(start))
		events <- ev
	}

	for {
		select {
		case <-ctx.Done():
			finish(ErrorEvent(c.wrapError(ctx.Err())), ctx.Err())
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				if usage != nil {
					assembled.ReasoningInfo = usageMap(usage)
				}
				finish(DoneEvent(assembled.ReasoningInfo), nil)
				return
			}
			perr := c.wrapError(err)
			finish(ErrorEvent(perr), perr)
			return
		}

		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			assembled.Content += choice.Delta.Content
			events <- ContentEvent(choice.Delta.Content)
		}

		for _, delta := range choice.Delta.ToolCalls {
			idx := 0
			if delta.Index != nil {
				idx = *delta.Index
			}
			tc := pending[idx]
			if tc == nil {
				tc = &models.ToolCall{Type: "function"}
				pending[idx] = tc
				order = append(order, idx)
			}
			if delta.ID != "" {
				tc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				tc.Function.Name = delta.Function.Name
			}
			if delta.Function.Arguments != "" {
				tc.Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// GenerateStructured uses the native response_format JSON schema support,
// validating and feeding errors back until the retry budget is spent.
// Proxy-labelled clients whose upstream rejects response_format fall back to
// schema instructions in the system prompt.
func (c *OpenAIClient) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	if maxRetries < 0 {
		maxRetries = DefaultStructuredRetries
	}
	convo := messages
	var lastErr error
	var lastResponse string
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		out, err := c.generateWithFormat(ctx, convo, schema)
		if err != nil {
			// Proxies route to arbitrary upstream models; a 400 on
			// response_format means the upstream lacks native structured
			// output, not that the request is broken. Fall back to the
			// instruction-and-parse loop with the caller's messages.
			if c.provider != "openai" && KindOf(err) == KindInvalidRequest {
				return structuredViaInstructions(ctx, c.provider, c.modelID, c.unaryForStructured, messages, schema, maxRetries)
			}
			if !IsRetriable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		lastResponse = out.Content
		candidate, err := extractJSON(out.Content)
		if err == nil && schema.Validate != nil {
			err = schema.Validate(candidate)
		}
		if err == nil {
			return candidate, nil
		}
		lastErr = err
		convo = append(convo, models.AssistantMessage(out.Content), structuredFeedback(err))
	}
	return nil, &StructuredOutputError{
		Provider:     c.provider,
		Model:        c.modelID,
		Attempts:     attempts,
		LastResponse: lastResponse,
		LastErr:      lastErr,
	}
}

// unaryForStructured adapts GenerateResponse to the instruction-and-parse
// loop's call shape.
func (c *OpenAIClient) unaryForStructured(ctx context.Context, messages []models.Message) (*Output, error) {
	return c.GenerateResponse(ctx, &Request{Messages: messages})
}

func (c *OpenAIClient) generateWithFormat(ctx context.Context, messages []models.Message, schema *ResponseSchema) (*Output, error) {
	req := &Request{Messages: messages}
	if err := validateRequest(c.provider, c.modelID, req); err != nil {
		return nil, err
	}
	chatReq, err := c.buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   schema.Name,
			Schema: schema.Schema,
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		return nil, perr
	}
	out, err := c.outputFromResponse(&resp)
	recordCall(c.buffer, c.modelID, req, out, err, start)
	return out, err
}

// FormatUserMessageWithFile builds a user message carrying the file as a
// data URI (images, PDFs) or truncated inline text.
func (c *OpenAIClient) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
	return formatFileMessageDataURI(opts)
}

func (c *OpenAIClient) buildChatRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, &ProviderError{
			Kind: KindInvalidRequest, Provider: c.provider, Model: c.modelID,
			Message: err.Error(), Cause: err,
		}
	}
	out := &openai.ChatCompletionRequest{
		Model:    c.modelID,
		Messages: messages,
	}
	if c.temperature != nil {
		out.Temperature = *c.temperature
	}
	if c.maxTokens > 0 {
		out.MaxTokens = c.maxTokens
	}
	if c.reasoningEffort != "" {
		out.ReasoningEffort = c.reasoningEffort
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(sanitizeToolDefinitions(req.Tools))
		out.ToolChoice = toOpenAIToolChoice(req.ToolChoice)
	}
	return out, nil
}

func (c *OpenAIClient) outputFromResponse(resp *openai.ChatCompletionResponse) (*Output, error) {
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Kind: KindEmptyResponse, Provider: c.provider, Model: c.modelID,
			Message: "response has no choices",
		}
	}
	msg := resp.Choices[0].Message
	out := &Output{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	if resp.Usage.TotalTokens > 0 {
		out.ReasoningInfo = usageMap(&resp.Usage)
	}
	return out, nil
}

func (c *OpenAIClient) wrapError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewProviderError(c.provider, c.modelID, err).
			WithMessage(apiErr.Message).
			WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok {
			perr = perr.WithCode(code)
		}
		return perr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(c.provider, c.modelID, err).WithStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		perr := NewProviderError(c.provider, c.modelID, err)
		perr.Kind = KindTimeout
		return perr
	}
	return NewProviderError(c.provider, c.modelID, err)
}

func (c *OpenAIClient) logRequest(req *Request) {
	c.logger.Debug("llm request",
		"model", c.modelID,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"tool_choice", describeToolChoice(req.ToolChoice))
	if observability.DebugLLMMessages() {
		if raw, err := json.MarshalIndent(req.Messages, "", "  "); err == nil {
			c.logger.Info("llm request messages", "payload", string(raw))
		}
	}
}

func usageMap(u *openai.Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
}

// toOpenAIMessages translates the neutral conversation. Tool attachments
// are expanded into synthetic user messages first, since this family has no
// multimodal tool results.
func toOpenAIMessages(messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	expanded := expandToolAttachments(messages)
	result := make([]openai.ChatCompletionMessage, 0, len(expanded))
	for i, msg := range expanded {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			parts, err := toOpenAIParts(&msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			if parts != nil {
				m.MultiContent = parts
			} else {
				m.Content = msg.Content
			}
			result = append(result, m)

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.TextContent(),
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			result = append(result, m)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Name:       msg.Name,
				Content:    msg.TextContent(),
			})

		case models.RoleError:
			// Errors are surfaced to the model as plain user context.
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: "[Error] " + msg.Content,
			})

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	return result, nil
}

// toOpenAIParts renders a user message's structured content. Returns nil
// when plain string content suffices.
func toOpenAIParts(msg *models.Message) ([]openai.ChatMessagePart, error) {
	if len(msg.Parts) == 0 && len(msg.Attachments) == 0 {
		return nil, nil
	}
	var parts []openai.ChatMessagePart
	if len(msg.Parts) == 0 && msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case models.PartImageURL:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.PartAttachmentRef, models.PartFilePlaceholder:
			// Durable references are resolved upstream; pass a marker so
			// the model knows something was here.
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attachment: %s%s]", p.AttachmentID, p.FileReference),
			})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if !att.IsImage() {
			block := renderAttachment(att, false)
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: block.Text,
			})
			continue
		}
		url := att.URL
		if url == "" {
			data, err := att.Resolve()
			if err != nil {
				return nil, fmt.Errorf("resolve attachment %s: %w", att.ID, err)
			}
			url = dataURI(att.MimeType, data)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts, nil
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func toOpenAIToolChoice(choice ToolChoice) any {
	switch choice {
	case "", ToolChoiceAuto:
		return "auto"
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired, "any":
		return "required"
	default:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: string(choice)},
		}
	}
}

// formatFileMessageDataURI is the OpenAI-family file message builder, shared
// with the proxy client.
func formatFileMessageDataURI(opts FileMessageOptions) (models.Message, error) {
	mimeType := detectMimeType(opts.FilePath, opts.MimeType)
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "Please look at this file."
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		data, err := os.ReadFile(opts.FilePath)
		if err != nil {
			return models.Message{}, fmt.Errorf("read file %s: %w", opts.FilePath, err)
		}
		return models.Message{
			Role: models.RoleUser,
			Parts: []models.ContentPart{
				models.TextPart(prompt),
				models.ImagePart(dataURI(mimeType, data)),
			},
		}, nil

	// This family rejects non-image data URIs in image parts, so PDFs
	// degrade to a textual placeholder here; Anthropic and Gemini carry
	// them natively.
	case mimeType == "application/pdf":
		return models.UserMessage(fmt.Sprintf("%s\n\n[File %s of type %s attached; content not inlineable]", prompt, opts.FilePath, mimeType)), nil

	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/json":
		data, err := os.ReadFile(opts.FilePath)
		if err != nil {
			return models.Message{}, fmt.Errorf("read file %s: %w", opts.FilePath, err)
		}
		body := truncateText(string(data), opts.MaxTextLength)
		return models.UserMessage(fmt.Sprintf("%s\n\n[File %s (%s)]\n%s", prompt, opts.FilePath, mimeType, body)), nil

	default:
		return models.UserMessage(fmt.Sprintf("%s\n\n[File %s of type %s attached; content not inlineable]", prompt, opts.FilePath, mimeType)), nil
	}
}
