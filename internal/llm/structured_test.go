package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/werdnum/family-assistant/pkg/models"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{name: "bare object", text: `{"a": 1}`, want: `{"a": 1}`},
		{name: "bare array", text: ` [1, 2] `, want: `[1, 2]`},
		{
			name: "fenced with language tag",
			text: "Here you go:\n```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "fenced without language tag",
			text: "```\n{\"b\": 2}\n```\ntrailing prose",
			want: `{"b": 2}`,
		},
		{name: "empty", text: "   ", wantErr: true},
		{name: "prose only", text: "I cannot answer that.", wantErr: true},
		{name: "unterminated fence", text: "```json\n{\"a\": 1}", wantErr: true},
		{name: "empty fence", text: "```json\n```", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithStructuredInstruction(t *testing.T) {
	schema, err := NewResponseSchema("thing", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("appends to existing system message", func(t *testing.T) {
		original := []models.Message{
			models.SystemMessage("You are helpful."),
			models.UserMessage("Hi"),
		}
		out := withStructuredInstruction(original, schema)
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}
		if !strings.HasPrefix(out[0].Content, "You are helpful.") {
			t.Errorf("system prefix lost: %q", out[0].Content)
		}
		if !strings.Contains(out[0].Content, "valid JSON") {
			t.Errorf("instruction missing: %q", out[0].Content)
		}
		if original[0].Content != "You are helpful." {
			t.Error("input messages must not be mutated")
		}
	})

	t.Run("prepends when no system message", func(t *testing.T) {
		out := withStructuredInstruction([]models.Message{models.UserMessage("Hi")}, schema)
		if len(out) != 2 || out[0].Role != models.RoleSystem {
			t.Fatalf("expected prepended system message, got %+v", out)
		}
		if !strings.Contains(out[0].Content, `"type":"object"`) {
			t.Errorf("schema missing from instruction: %q", out[0].Content)
		}
	})
}

func TestStructuredViaInstructionsRetriesOnInvalidJSON(t *testing.T) {
	schema, err := NewResponseSchema("answer", json.RawMessage(
		`{"type":"object","properties":{"answer":{"type":"integer"}},"required":["answer"]}`))
	if err != nil {
		t.Fatal(err)
	}

	responses := []string{
		"I think the answer is 42.",        // no JSON at all
		`{"answer": "forty-two"}`,          // JSON but schema-invalid
		"```json\n{\"answer\": 42}\n```\n", // valid
	}
	calls := 0
	var lastConvo []models.Message
	call := func(ctx context.Context, messages []models.Message) (*Output, error) {
		lastConvo = messages
		out := &Output{Content: responses[calls]}
		calls++
		return out, nil
	}

	data, err := structuredViaInstructions(context.Background(), "test", "m", call, []models.Message{models.UserMessage("answer?")}, schema, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var decoded struct {
		Answer int `json:"answer"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Answer != 42 {
		t.Errorf("decoded %s (err %v)", data, err)
	}
	// The final conversation carries both failed attempts and their feedback.
	feedback := 0
	for _, msg := range lastConvo {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, "was not valid JSON") {
			feedback++
		}
	}
	if feedback != 2 {
		t.Errorf("feedback messages = %d, want 2", feedback)
	}
}

func TestStructuredViaInstructionsExhaustsBudget(t *testing.T) {
	schema, err := NewResponseSchema("x", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	call := func(ctx context.Context, messages []models.Message) (*Output, error) {
		calls++
		return &Output{Content: "never JSON"}, nil
	}

	_, err = structuredViaInstructions(context.Background(), "test", "m", call, []models.Message{models.UserMessage("go")}, schema, 1)
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (initial + 1 retry)", calls)
	}
	var soErr *StructuredOutputError
	if !errors.As(err, &soErr) {
		t.Fatalf("error type = %T", err)
	}
	if soErr.Attempts != 2 || soErr.LastResponse != "never JSON" {
		t.Errorf("unexpected error detail: %+v", soErr)
	}
}

func TestStructuredViaInstructionsAbortsOnNonRetriable(t *testing.T) {
	schema, err := NewResponseSchema("x", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	call := func(ctx context.Context, messages []models.Message) (*Output, error) {
		calls++
		return nil, authErr("m")
	}

	_, err = structuredViaInstructions(context.Background(), "test", "m", call, []models.Message{models.UserMessage("go")}, schema, 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retriable aborts)", calls)
	}
	if KindOf(err) != KindAuthentication {
		t.Errorf("kind = %v", KindOf(err))
	}
}

func TestSchemaFor(t *testing.T) {
	type Recipe struct {
		Name     string   `json:"name"`
		Servings int      `json:"servings"`
		Steps    []string `json:"steps"`
	}
	schema, err := SchemaFor[Recipe]("recipe")
	if err != nil {
		t.Fatal(err)
	}
	if schema.Name != "recipe" {
		t.Errorf("Name = %q", schema.Name)
	}
	if err := schema.Validate([]byte(`{"name":"soup","servings":4,"steps":["boil"]}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := schema.Validate([]byte(`{"name":"soup","servings":"four","steps":[]}`)); err == nil {
		t.Error("wrong-typed field should fail validation")
	}
	if err := schema.Validate([]byte(`not json`)); err == nil {
		t.Error("non-JSON should fail validation")
	}
}

func TestDecodeStructured(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	p, err := DecodeStructured[point](json.RawMessage(`{"x":1,"y":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 1 || p.Y != 2 {
		t.Errorf("decoded %+v", p)
	}
	if _, err := DecodeStructured[point](json.RawMessage(`[`)); err == nil {
		t.Error("malformed JSON should error")
	}
}
