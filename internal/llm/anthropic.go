package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicOptions configures an Anthropic client.
type AnthropicOptions struct {
	ModelID string

	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey  string
	BaseURL string

	Temperature *float32
	MaxTokens   int

	Buffer *RequestBuffer
}

// AnthropicClient talks the Anthropic Messages API. System messages are
// hoisted into the top-level system parameter and the remaining conversation
// is merged into strictly alternating user/assistant turns.
type AnthropicClient struct {
	client      anthropic.Client
	modelID     string
	temperature *float32
	maxTokens   int
	buffer      *RequestBuffer
	logger      *slog.Logger
}

// NewAnthropicClient builds an Anthropic client.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic: no API key configured (set ANTHROPIC_API_KEY)")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(reqOpts...),
		modelID:     opts.ModelID,
		temperature: opts.Temperature,
		maxTokens:   maxTokens,
		buffer:      opts.Buffer,
		logger:      observability.ComponentLogger("llm.anthropic"),
	}, nil
}

func (c *AnthropicClient) ModelID() string               { return c.modelID }
func (c *AnthropicClient) ProviderName() string          { return "anthropic" }
func (c *AnthropicClient) SupportsMultimodalTools() bool { return true }

// GenerateResponse performs a unary Messages call.
func (c *AnthropicClient) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	if err := validateRequest("anthropic", c.modelID, req); err != nil {
		return nil, err
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, *params)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		observability.ObserveLLMRequest("anthropic", c.modelID, string(perr.Kind), time.Since(start))
		return nil, perr
	}

	out, err := outputFromAnthropicMessage(msg)
	recordCall(c.buffer, c.modelID, req, out, err, start)
	if err != nil {
		observability.ObserveLLMRequest("anthropic", c.modelID, "error", time.Since(start))
		return nil, err
	}
	observability.ObserveLLMRequest("anthropic", c.modelID, "ok", time.Since(start))
	observability.ObserveLLMTokens("anthropic", c.modelID, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	return out, nil
}

// GenerateResponseStream performs a streaming Messages call. Tool-use input
// arrives as partial JSON deltas and is assembled per content block.
func (c *AnthropicClient) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	if err := validateRequest("anthropic", c.modelID, req); err != nil {
		return nil, err
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan *StreamEvent)
	go func() {
		defer close(events)
		start := time.Now()
		stream := c.client.Messages.NewStreaming(ctx, *params)
		defer stream.Close()

		assembled := &Output{}
		var pendingCall *models.ToolCall
		var pendingInput strings.Builder
		var inputTokens, outputTokens int64

		finish := func(ev *StreamEvent, callErr error) {
			recordCall(c.buffer, c.modelID, req, assembled, callErr, start)
			outcome := "ok"
			if callErr != nil {
				outcome = string(KindOf(callErr))
			}
			observability.ObserveLLMRequest("anthropic", c.modelID, outcome, time.Since(start))
			events <- ev
		}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = ms.Message.Usage.InputTokens

			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					pendingCall = &models.ToolCall{
						ID:       tu.ID,
						Type:     "function",
						Function: models.FunctionCall{Name: tu.Name},
					}
					pendingInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						assembled.Content += delta.Text
						events <- ContentEvent(delta.Text)
					}
				case "input_json_delta":
					pendingInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if pendingCall != nil {
					args := pendingInput.String()
					if args == "" {
						args = "{}"
					}
					pendingCall.Function.Arguments = args
					assembled.ToolCalls = append(assembled.ToolCalls, *pendingCall)
					events <- ToolCallEvent(*pendingCall)
					pendingCall = nil
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = md.Usage.OutputTokens
				}

			case "message_stop":
				assembled.ReasoningInfo = map[string]any{
					"prompt_tokens":     inputTokens,
					"completion_tokens": outputTokens,
				}
				observability.ObserveLLMTokens("anthropic", c.modelID, inputTokens, outputTokens)
				finish(DoneEvent(assembled.ReasoningInfo), nil)
				return
			}
		}

		if err := stream.Err(); err != nil {
			perr := c.wrapError(err)
			finish(ErrorEvent(perr), perr)
			return
		}
		// Stream closed without message_stop.
		finish(DoneEvent(nil), nil)
	}()
	return events, nil
}

// GenerateStructured forces a single schema-shaped tool call and takes its
// arguments as the candidate payload, feeding validation errors back until
// the retry budget is spent.
func (c *AnthropicClient) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	if maxRetries < 0 {
		maxRetries = DefaultStructuredRetries
	}
	toolName := "record_" + schema.Name
	var params map[string]any
	if err := json.Unmarshal(schema.Schema, &params); err != nil {
		return nil, fmt.Errorf("anthropic: schema for %s is not a JSON object: %w", schema.Name, err)
	}
	tool := ToolDefinition{
		Name:        toolName,
		Description: "Record the structured answer. Call exactly once with the final result.",
		Parameters:  params,
	}

	convo := messages
	var lastErr error
	var lastResponse string
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		out, err := c.GenerateResponse(ctx, &Request{
			Messages:   convo,
			Tools:      []ToolDefinition{tool},
			ToolChoice: ToolChoice(toolName),
		})
		if err != nil {
			if !IsRetriable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		candidate, verr := structuredCandidateFromOutput(out, toolName)
		if verr == nil && schema.Validate != nil {
			verr = schema.Validate(candidate)
		}
		if verr == nil {
			return candidate, nil
		}
		lastErr = verr
		lastResponse = out.Content
		if len(out.ToolCalls) > 0 {
			lastResponse = out.ToolCalls[0].Function.Arguments
		}
		assistant := models.Message{Role: models.RoleAssistant, Content: out.Content, ToolCalls: out.ToolCalls}
		convo = append(convo, assistant)
		for _, tc := range out.ToolCalls {
			convo = append(convo, models.ToolMessage(tc.ID, tc.Function.Name, "rejected: "+verr.Error()))
		}
		convo = append(convo, structuredFeedback(verr))
	}
	return nil, &StructuredOutputError{
		Provider:     "anthropic",
		Model:        c.modelID,
		Attempts:     attempts,
		LastResponse: lastResponse,
		LastErr:      lastErr,
	}
}

func structuredCandidateFromOutput(out *Output, toolName string) (json.RawMessage, error) {
	for _, tc := range out.ToolCalls {
		if tc.Function.Name == toolName {
			return json.RawMessage(tc.Function.Arguments), nil
		}
	}
	if out.Content != "" {
		return extractJSON(out.Content)
	}
	return nil, fmt.Errorf("model did not call the %s tool", toolName)
}

// FormatUserMessageWithFile builds a user message with native image or
// document blocks where supported.
func (c *AnthropicClient) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
	mimeType := detectMimeType(opts.FilePath, opts.MimeType)
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "Please look at this file."
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"), mimeType == "application/pdf":
		data, err := os.ReadFile(opts.FilePath)
		if err != nil {
			return models.Message{}, fmt.Errorf("read file %s: %w", opts.FilePath, err)
		}
		return models.Message{
			Role:  models.RoleUser,
			Parts: []models.ContentPart{models.TextPart(prompt)},
			Attachments: []models.Attachment{{
				ID:       opts.FilePath,
				MimeType: mimeType,
				Size:     int64(len(data)),
				Data:     data,
			}},
		}, nil
	default:
		return formatFileMessageDataURI(opts)
	}
}

func (c *AnthropicClient) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, &ProviderError{
			Kind: KindInvalidRequest, Provider: "anthropic", Model: c.modelID,
			Message: err.Error(), Cause: err,
		}
	}
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelID),
		Messages:  messages,
		MaxTokens: int64(c.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(float64(*c.temperature))
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(sanitizeToolDefinitions(req.Tools))
		if tc := toAnthropicToolChoice(req.ToolChoice); tc != nil {
			params.ToolChoice = *tc
		}
	}
	return params, nil
}

// toAnthropicMessages hoists system messages into a single system string
// and merges consecutive same-role messages so roles strictly alternate.
func toAnthropicMessages(messages []models.Message) (string, []anthropic.MessageParam, error) {
	var systemParts []string
	var result []anthropic.MessageParam

	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for i, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case models.RoleUser:
			blocks, err := anthropicUserBlocks(&msg)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				input, err := tc.Function.ArgumentsMap()
				if err != nil {
					return "", nil, fmt.Errorf("message %d: %w", i, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)

		case models.RoleTool:
			block, err := anthropicToolResultBlock(&msg)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{block})

		case models.RoleError:
			appendBlocks(anthropic.MessageParamRoleUser,
				[]anthropic.ContentBlockParamUnion{anthropic.NewTextBlock("[Error] " + msg.Content)})

		default:
			return "", nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	return strings.Join(systemParts, "\n\n"), result, nil
}

func anthropicUserBlocks(msg *models.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	if len(msg.Parts) == 0 {
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case models.PartImageURL:
			if mediaType, data, ok := splitDataURI(p.ImageURL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL}))
			}
		case models.PartAttachmentRef, models.PartFilePlaceholder:
			blocks = append(blocks, anthropic.NewTextBlock(
				fmt.Sprintf("[attachment: %s%s]", p.AttachmentID, p.FileReference)))
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	for i := range msg.Attachments {
		block, err := anthropicAttachmentBlock(&msg.Attachments[i])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// anthropicToolResultBlock renders a tool message as a tool_result block,
// mixing text with native image/document blocks for any attachments.
func anthropicToolResultBlock(msg *models.Message) (anthropic.ContentBlockParamUnion, error) {
	var content []anthropic.ToolResultBlockParamContentUnion
	if text := msg.TextContent(); text != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: text},
		})
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		rendered := renderAttachment(att, true)
		if rendered.isNative() && strings.HasPrefix(rendered.MimeType, "image/") {
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      base64.StdEncoding.EncodeToString(rendered.Data),
							MediaType: anthropic.Base64ImageSourceMediaType(rendered.MimeType),
						},
					},
				},
			})
			continue
		}
		// PDFs cannot nest inside tool_result content; describe them and
		// rely on the textual rendering.
		text := rendered.Text
		if text == "" {
			text = describeAttachment(att)
		}
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: text},
		})
	}
	result := &anthropic.ToolResultBlockParam{
		ToolUseID: msg.ToolCallID,
		Content:   content,
	}
	if msg.ErrorTraceback != "" {
		result.IsError = anthropic.Bool(true)
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: result}, nil
}

func anthropicAttachmentBlock(att *models.Attachment) (anthropic.ContentBlockParamUnion, error) {
	rendered := renderAttachment(att, true)
	if !rendered.isNative() {
		return anthropic.NewTextBlock(rendered.Text), nil
	}
	b64 := base64.StdEncoding.EncodeToString(rendered.Data)
	if strings.HasPrefix(rendered.MimeType, "image/") {
		return anthropic.NewImageBlockBase64(rendered.MimeType, b64), nil
	}
	if rendered.MimeType == "application/pdf" {
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: b64}), nil
	}
	return anthropic.NewTextBlock(describeAttachment(att)), nil
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			schema.Required = required
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

func toAnthropicToolChoice(choice ToolChoice) *anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", ToolChoiceAuto:
		return &anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case ToolChoiceNone:
		return &anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case ToolChoiceRequired, "any":
		return &anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return &anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: string(choice)}}
	}
}

func outputFromAnthropicMessage(msg *anthropic.Message) (*Output, error) {
	out := &Output{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := string(tu.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:       tu.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: tu.Name, Arguments: args},
			})
		}
	}
	out.Content = text.String()
	out.ReasoningInfo = map[string]any{
		"prompt_tokens":     msg.Usage.InputTokens,
		"completion_tokens": msg.Usage.OutputTokens,
		"stop_reason":       string(msg.StopReason),
	}
	return out, nil
}

func (c *AnthropicClient) wrapError(err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError("anthropic", c.modelID, err).WithStatus(apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		perr := NewProviderError("anthropic", c.modelID, err)
		perr.Kind = KindTimeout
		return perr
	}
	return NewProviderError("anthropic", c.modelID, err)
}

// splitDataURI decodes a "data:<mime>;base64,<data>" URI into its mime type
// and base64 payload.
func splitDataURI(uri string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}
