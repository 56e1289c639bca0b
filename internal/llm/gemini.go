package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/werdnum/family-assistant/internal/observability"
	"github.com/werdnum/family-assistant/pkg/models"
)

// GeminiOptions configures a Gemini client.
type GeminiOptions struct {
	ModelID string

	// APIKey falls back to GEMINI_API_KEY when empty.
	APIKey string

	Temperature *float32
	MaxTokens   int

	Buffer *RequestBuffer
}

// GeminiClient talks the Gemini API via the genai SDK.
//
// Gemini attaches opaque thought signatures to model-role parts; these must
// be echoed back byte-identical on the next turn or multi-turn function
// calling degrades. The client threads them through ProviderMetadata on the
// neutral model: signatures ride on the tool call (or assistant message)
// they arrived with and are re-attached to the corresponding part when the
// conversation is sent back.
type GeminiClient struct {
	client      *genai.Client
	modelID     string
	temperature *float32
	maxTokens   int
	buffer      *RequestBuffer
	logger      *slog.Logger
}

// NewGeminiClient builds a Gemini client.
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("gemini: no API key configured (set GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		modelID:     opts.ModelID,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		buffer:      opts.Buffer,
		logger:      observability.ComponentLogger("llm.gemini"),
	}, nil
}

func (c *GeminiClient) ModelID() string               { return c.modelID }
func (c *GeminiClient) ProviderName() string          { return "gemini" }
func (c *GeminiClient) SupportsMultimodalTools() bool { return true }

// GenerateResponse performs a unary generation call.
func (c *GeminiClient) GenerateResponse(ctx context.Context, req *Request) (*Output, error) {
	if err := validateRequest("gemini", c.modelID, req); err != nil {
		return nil, err
	}
	contents, config, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.modelID, contents, config)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		observability.ObserveLLMRequest("gemini", c.modelID, string(perr.Kind), time.Since(start))
		return nil, perr
	}

	out, err := c.outputFromResponse(resp)
	recordCall(c.buffer, c.modelID, req, out, err, start)
	if err != nil {
		observability.ObserveLLMRequest("gemini", c.modelID, "error", time.Since(start))
		return nil, err
	}
	observability.ObserveLLMRequest("gemini", c.modelID, "ok", time.Since(start))
	if resp.UsageMetadata != nil {
		observability.ObserveLLMTokens("gemini", c.modelID,
			int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount))
	}
	return out, nil
}

// GenerateResponseStream performs a streaming generation call.
func (c *GeminiClient) GenerateResponseStream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	if err := validateRequest("gemini", c.modelID, req); err != nil {
		return nil, err
	}
	contents, config, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan *StreamEvent)
	go func() {
		defer close(events)
		start := time.Now()
		assembled := &Output{}
		var usage map[string]any

		finish := func(ev *StreamEvent, callErr error) {
			recordCall(c.buffer, c.modelID, req, assembled, callErr, start)
			outcome := "ok"
			if callErr != nil {
				outcome = string(KindOf(callErr))
			}
			observability.ObserveLLMRequest("gemini", c.modelID, outcome, time.Since(start))
			events <- ev
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.modelID, contents, config) {
			if err != nil {
				perr := c.wrapError(err)
				finish(ErrorEvent(perr), perr)
				return
			}
			if resp.UsageMetadata != nil {
				usage = geminiUsageMap(resp.UsageMetadata)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					assembled.Content += part.Text
					events <- ContentEvent(part.Text)
				}
				if part.FunctionCall != nil {
					tc, err := toolCallFromFunctionCall(part)
					if err != nil {
						perr := c.wrapError(err)
						finish(ErrorEvent(perr), perr)
						return
					}
					assembled.ToolCalls = append(assembled.ToolCalls, tc)
					events <- ToolCallEvent(tc)
				}
			}
		}
		assembled.ReasoningInfo = usage
		finish(DoneEvent(usage), nil)
	}()
	return events, nil
}

// GenerateStructured uses Gemini's native JSON response mode, validating and
// feeding errors back until the retry budget is spent.
func (c *GeminiClient) GenerateStructured(ctx context.Context, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	if maxRetries < 0 {
		maxRetries = DefaultStructuredRetries
	}
	var schemaValue any
	if err := json.Unmarshal(schema.Schema, &schemaValue); err != nil {
		return nil, fmt.Errorf("gemini: schema for %s is not valid JSON: %w", schema.Name, err)
	}

	convo := messages
	var lastErr error
	var lastResponse string
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		out, err := c.generateJSON(ctx, convo, schemaValue)
		if err != nil {
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
		Provider:     "gemini",
		Model:        c.modelID,
		Attempts:     attempts,
		LastResponse: lastResponse,
		LastErr:      lastErr,
	}
}

func (c *GeminiClient) generateJSON(ctx context.Context, messages []models.Message, schemaValue any) (*Output, error) {
	req := &Request{Messages: messages}
	if err := validateRequest("gemini", c.modelID, req); err != nil {
		return nil, err
	}
	contents, config, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	config.ResponseMIMEType = "application/json"
	config.ResponseJsonSchema = schemaValue

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.modelID, contents, config)
	if err != nil {
		perr := c.wrapError(err)
		recordCall(c.buffer, c.modelID, req, nil, perr, start)
		return nil, perr
	}
	out, err := c.outputFromResponse(resp)
	recordCall(c.buffer, c.modelID, req, out, err, start)
	return out, err
}

// FormatUserMessageWithFile builds a user message; images and PDFs travel as
// inline_data blocks via the transient attachment path.
func (c *GeminiClient) FormatUserMessageWithFile(ctx context.Context, opts FileMessageOptions) (models.Message, error) {
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

func (c *GeminiClient) buildRequest(req *Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, nil, &ProviderError{
			Kind: KindInvalidRequest, Provider: "gemini", Model: c.modelID,
			Message: err.Error(), Cause: err,
		}
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if c.temperature != nil {
		config.Temperature = genai.Ptr(*c.temperature)
	}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = int32(c.maxTokens)
	}
	if len(req.Tools) > 0 && req.ToolChoice != ToolChoiceNone {
		config.Tools = toGeminiTools(sanitizeToolDefinitions(req.Tools))
		if fc := toGeminiFunctionCallingConfig(req.ToolChoice); fc != nil {
			config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fc}
		}
	}
	return contents, config, nil
}

// toGeminiContents hoists system messages into a single instruction string
// and translates the rest, re-attaching stored thought signatures to the
// model-role parts they arrived with.
func toGeminiContents(messages []models.Message) (string, []*genai.Content, error) {
	var systemParts []string
	var contents []*genai.Content

	for i, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case models.RoleUser:
			parts, err := geminiUserParts(&msg)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}

		case models.RoleAssistant:
			var parts []*genai.Part
			if text := msg.TextContent(); text != "" {
				part := &genai.Part{Text: text}
				if sig := geminiSignature(msg.ProviderMetadata); sig != nil && len(msg.ToolCalls) == 0 {
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			}
			for _, tc := range msg.ToolCalls {
				args, err := tc.Function.ArgumentsMap()
				if err != nil {
					return "", nil, fmt.Errorf("message %d: %w", i, err)
				}
				part := &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}}
				// Signatures attach to the call part they arrived with;
				// never to function responses.
				if sig := geminiSignature(tc.ProviderMetadata); sig != nil {
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case models.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{"output": msg.TextContent()},
			}}
			parts := []*genai.Part{part}
			for j := range msg.Attachments {
				rendered := renderAttachment(&msg.Attachments[j], true)
				if rendered.isNative() {
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{
						MIMEType: rendered.MimeType,
						Data:     rendered.Data,
					}})
				} else {
					parts = append(parts, &genai.Part{Text: rendered.Text})
				}
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})

		case models.RoleError:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: "[Error] " + msg.Content}},
			})

		default:
			return "", nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	return strings.Join(systemParts, "\n\n"), contents, nil
}

func geminiUserParts(msg *models.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	if len(msg.Parts) == 0 {
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			parts = append(parts, &genai.Part{Text: p.Text})
		case models.PartImageURL:
			if mimeType, b64, ok := splitDataURI(p.ImageURL); ok {
				data, err := decodeBase64(b64)
				if err != nil {
					return nil, fmt.Errorf("decode image data URI: %w", err)
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}})
			} else {
				parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: p.ImageURL}})
			}
		case models.PartAttachmentRef, models.PartFilePlaceholder:
			parts = append(parts, &genai.Part{Text: fmt.Sprintf("[attachment: %s%s]", p.AttachmentID, p.FileReference)})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	for i := range msg.Attachments {
		rendered := renderAttachment(&msg.Attachments[i], true)
		if rendered.isNative() {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{
				MIMEType: rendered.MimeType,
				Data:     rendered.Data,
			}})
		} else {
			parts = append(parts, &genai.Part{Text: rendered.Text})
		}
	}
	return parts, nil
}

func toGeminiTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGeminiFunctionCallingConfig(choice ToolChoice) *genai.FunctionCallingConfig {
	switch choice {
	case "", ToolChoiceAuto:
		return nil
	case ToolChoiceNone:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}
	case ToolChoiceRequired, "any":
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	default:
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{string(choice)},
		}
	}
}

func (c *GeminiClient) outputFromResponse(resp *genai.GenerateContentResponse) (*Output, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &ProviderError{
			Kind: KindEmptyResponse, Provider: "gemini", Model: c.modelID,
			Message: "response has no candidates",
		}
	}
	out := &Output{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
			if len(part.ThoughtSignature) > 0 {
				out.ProviderMetadata = models.GeminiProviderMetadata(part.ThoughtSignature)
			}
		}
		if part.FunctionCall != nil {
			tc, err := toolCallFromFunctionCall(part)
			if err != nil {
				return nil, c.wrapError(err)
			}
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}
	out.Content = text.String()
	if resp.UsageMetadata != nil {
		out.ReasoningInfo = geminiUsageMap(resp.UsageMetadata)
	}
	return out, nil
}

// toolCallFromFunctionCall converts a function-call part, preserving its
// thought signature and synthesizing an id when the vendor omits one.
func toolCallFromFunctionCall(part *genai.Part) (models.ToolCall, error) {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}
	tc, err := models.NewToolCall(id, fc.Name, fc.Args)
	if err != nil {
		return models.ToolCall{}, err
	}
	if len(part.ThoughtSignature) > 0 {
		tc.ProviderMetadata = models.GeminiProviderMetadata(part.ThoughtSignature)
	}
	return tc, nil
}

func geminiSignature(meta *models.ProviderMetadata) []byte {
	if meta == nil || meta.Provider != "gemini" || meta.Gemini == nil {
		return nil
	}
	return []byte(meta.Gemini.ThoughtSignature)
}

func geminiUsageMap(u *genai.GenerateContentResponseUsageMetadata) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokenCount,
		"completion_tokens": u.CandidatesTokenCount,
		"total_tokens":      u.TotalTokenCount,
	}
}

func (c *GeminiClient) wrapError(err error) *ProviderError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError("gemini", c.modelID, err).
			WithMessage(apiErr.Message).
			WithStatus(apiErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		perr := NewProviderError("gemini", c.modelID, err)
		perr.Kind = KindTimeout
		return perr
	}
	return NewProviderError("gemini", c.modelID, err)
}
