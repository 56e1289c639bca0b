package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/werdnum/family-assistant/pkg/models"
)

// NewResponseSchema compiles a JSON Schema document into a ResponseSchema
// whose Validate checks candidates against it.
func NewResponseSchema(name string, schema json.RawMessage) (*ResponseSchema, error) {
	compiler := schemavalidate.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(string(schema))); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &ResponseSchema{
		Name:   name,
		Schema: schema,
		Validate: func(data []byte) error {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("parse JSON: %w", err)
			}
			if err := compiled.Validate(v); err != nil {
				return fmt.Errorf("schema validation: %w", err)
			}
			return nil
		},
	}, nil
}

// SchemaFor reflects a JSON Schema from a Go type and compiles it into a
// ResponseSchema. The schema is inlined (no $ref indirection) so vendors
// that reject references accept it.
func SchemaFor[T any](name string) (*ResponseSchema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	raw, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		return nil, fmt.Errorf("reflect schema for %s: %w", name, err)
	}
	return NewResponseSchema(name, raw)
}

// DecodeStructured parses validated structured output into a typed value.
func DecodeStructured[T any](data json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode structured output: %w", err)
	}
	return out, nil
}

// extractJSON pulls the JSON candidate out of a model response: either the
// whole trimmed text when it is bare JSON, or the body of the first fenced
// code block.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("response is empty")
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return json.RawMessage(trimmed), nil
	}
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return nil, fmt.Errorf("response contains no JSON object or fenced code block")
	}
	rest := trimmed[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return nil, fmt.Errorf("fenced code block is not terminated")
	}
	candidate := strings.TrimSpace(rest[:end])
	if candidate == "" {
		return nil, fmt.Errorf("fenced code block is empty")
	}
	return json.RawMessage(candidate), nil
}

// structuredInstruction is the system-level directive used by providers
// without native structured output support.
func structuredInstruction(schema *ResponseSchema) string {
	return fmt.Sprintf(
		"You must respond with valid JSON matching this schema:\n%s\nRespond with the JSON only, no prose.",
		string(schema.Schema))
}

// withStructuredInstruction returns a copy of messages carrying the schema
// instruction: appended to an existing leading system message, otherwise
// prepended as a new one.
func withStructuredInstruction(messages []models.Message, schema *ResponseSchema) []models.Message {
	instruction := structuredInstruction(schema)
	out := make([]models.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		sys := messages[0].Clone()
		sys.Content = sys.Content + "\n\n" + instruction
		out = append(out, sys)
		out = append(out, messages[1:]...)
		return out
	}
	out = append(out, models.SystemMessage(instruction))
	out = append(out, messages...)
	return out
}

// structuredFeedback builds the retry message appended after an invalid
// structured response.
func structuredFeedback(validationErr error) models.Message {
	return models.UserMessage(fmt.Sprintf(
		"Your response was not valid JSON matching the required schema. Error: %v. Please retry with only the corrected JSON.",
		validationErr))
}

// unaryFn abstracts a provider's unary call for the structured loop.
type unaryFn func(ctx context.Context, messages []models.Message) (*Output, error)

// structuredViaInstructions runs the instruction-and-parse structured output
// loop: inject the schema instruction, call, extract and validate JSON, and
// on failure feed the error back and retry until the budget is spent.
// Non-retriable provider errors abort immediately.
func structuredViaInstructions(ctx context.Context, provider, model string, call unaryFn, messages []models.Message, schema *ResponseSchema, maxRetries int) (json.RawMessage, error) {
	if maxRetries < 0 {
		maxRetries = DefaultStructuredRetries
	}
	convo := withStructuredInstruction(messages, schema)

	var lastErr error
	var lastResponse string
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		out, err := call(ctx, convo)
		if err != nil {
			if !IsRetriable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		lastResponse = out.Content
		candidate, err := extractJSON(out.Content)
		if err == nil {
			if schema.Validate != nil {
				err = schema.Validate(candidate)
			}
			if err == nil {
				return candidate, nil
			}
		}
		lastErr = err
		convo = append(convo, models.AssistantMessage(out.Content), structuredFeedback(err))
	}
	return nil, &StructuredOutputError{
		Provider:     provider,
		Model:        model,
		Attempts:     attempts,
		LastResponse: lastResponse,
		LastErr:      lastErr,
	}
}
