package llm

import (
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/werdnum/family-assistant/pkg/models"
)

func TestToAnthropicMessagesHoistsSystem(t *testing.T) {
	system, msgs, err := toAnthropicMessages([]models.Message{
		models.SystemMessage("first directive"),
		models.UserMessage("hello"),
		models.SystemMessage("second directive"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if system != "first directive\n\nsecond directive" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 1 || msgs[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestToAnthropicMessagesRolesStrictlyAlternate(t *testing.T) {
	// Consecutive same-role messages must merge into one turn, and tool
	// results (user role on the wire) must merge with adjacent user turns.
	system, msgs, err := toAnthropicMessages([]models.Message{
		models.UserMessage("one"),
		models.UserMessage("two"),
		{
			Role:    models.RoleAssistant,
			Content: "calling",
			ToolCalls: []models.ToolCall{{
				ID: "c1", Type: "function",
				Function: models.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
			}},
		},
		models.ToolMessage("c1", "lookup", "result"),
		models.UserMessage("thanks"),
		{Role: models.RoleError, Content: "something broke"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if system != "" {
		t.Errorf("system = %q, want empty", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3 merged turns: %+v", len(msgs), msgs)
	}
	for i, msg := range msgs {
		want := anthropic.MessageParamRoleUser
		if i%2 == 1 {
			want = anthropic.MessageParamRoleAssistant
		}
		if msg.Role != want {
			t.Errorf("turn %d role = %q, want %q", i, msg.Role, want)
		}
	}
	// First turn carries both user messages.
	if len(msgs[0].Content) != 2 {
		t.Errorf("turn 0 blocks = %d, want 2", len(msgs[0].Content))
	}
	// Assistant turn carries text and the tool_use block.
	if len(msgs[1].Content) != 2 {
		t.Errorf("turn 1 blocks = %d, want 2", len(msgs[1].Content))
	}
	if msgs[1].Content[1].OfToolUse == nil {
		t.Error("turn 1 should end with a tool_use block")
	}
	// Final user turn merges tool result, followup, and the error text.
	if len(msgs[2].Content) != 3 {
		t.Fatalf("turn 2 blocks = %d, want 3", len(msgs[2].Content))
	}
	if msgs[2].Content[0].OfToolResult == nil {
		t.Error("turn 2 should start with the tool_result block")
	}
}

func TestAnthropicToolResultBlock(t *testing.T) {
	msg := models.Message{
		Role:       models.RoleTool,
		ToolCallID: "c1",
		Name:       "camera",
		Content:    "snapshot taken",
		Attachments: []models.Attachment{{
			ID:       "img",
			MimeType: "image/jpeg",
			Data:     []byte{0xff, 0xd8, 0xff},
			Size:     3,
		}},
	}
	block, err := anthropicToolResultBlock(&msg)
	if err != nil {
		t.Fatal(err)
	}
	result := block.OfToolResult
	if result == nil {
		t.Fatal("expected tool_result block")
	}
	if result.ToolUseID != "c1" {
		t.Errorf("ToolUseID = %q", result.ToolUseID)
	}
	if len(result.Content) != 2 {
		t.Fatalf("content blocks = %d, want text + image", len(result.Content))
	}
	if result.Content[0].OfText == nil || result.Content[0].OfText.Text != "snapshot taken" {
		t.Errorf("content 0 = %+v", result.Content[0])
	}
	if result.Content[1].OfImage == nil {
		t.Error("image attachment should render as a native image block")
	}
}

func TestAnthropicToolResultBlockMarksErrors(t *testing.T) {
	msg := models.Message{
		Role:           models.RoleTool,
		ToolCallID:     "c1",
		Content:        "boom",
		ErrorTraceback: "stack trace here",
	}
	block, err := anthropicToolResultBlock(&msg)
	if err != nil {
		t.Fatal(err)
	}
	if !block.OfToolResult.IsError.Value {
		t.Error("failed tool result should set is_error")
	}
}

func TestToAnthropicToolChoice(t *testing.T) {
	if tc := toAnthropicToolChoice(ToolChoiceAuto); tc.OfAuto == nil {
		t.Error("auto should map to auto choice")
	}
	if tc := toAnthropicToolChoice(ToolChoiceNone); tc.OfNone == nil {
		t.Error("none should map to none choice")
	}
	if tc := toAnthropicToolChoice(ToolChoiceRequired); tc.OfAny == nil {
		t.Error("required should map to any choice")
	}
	tc := toAnthropicToolChoice(ToolChoice("lookup"))
	if tc.OfTool == nil || tc.OfTool.Name != "lookup" {
		t.Errorf("specific choice = %+v", tc)
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools := toAnthropicTools([]ToolDefinition{{
		Name:        "lookup",
		Description: "find things",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q": map[string]any{"type": "string"},
			},
			"required": []any{"q"},
		},
	}})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	tool := tools[0].OfTool
	if tool.Name != "lookup" {
		t.Errorf("Name = %q", tool.Name)
	}
	if tool.InputSchema.Properties == nil {
		t.Error("properties not carried over")
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "q" {
		t.Errorf("Required = %v", tool.InputSchema.Required)
	}
}

func TestSplitDataURI(t *testing.T) {
	mimeType, data, ok := splitDataURI("data:image/png;base64,aGVsbG8=")
	if !ok || mimeType != "image/png" || data != "aGVsbG8=" {
		t.Errorf("got (%q, %q, %v)", mimeType, data, ok)
	}
	if _, _, ok := splitDataURI("https://example.com/image.png"); ok {
		t.Error("plain URL should not parse as data URI")
	}
	if _, _, ok := splitDataURI("data:image/png,raw"); ok {
		t.Error("non-base64 data URI should not parse")
	}
}

func TestStructuredCandidateFromOutput(t *testing.T) {
	out := &Output{ToolCalls: []models.ToolCall{{
		ID: "c1", Type: "function",
		Function: models.FunctionCall{Name: "record_answer", Arguments: `{"answer":1}`},
	}}}
	candidate, err := structuredCandidateFromOutput(out, "record_answer")
	if err != nil {
		t.Fatal(err)
	}
	if string(candidate) != `{"answer":1}` {
		t.Errorf("candidate = %s", candidate)
	}

	// Falls back to extracting JSON from plain content.
	out = &Output{Content: "```json\n{\"answer\":2}\n```"}
	candidate, err = structuredCandidateFromOutput(out, "record_answer")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(candidate), `"answer":2`) {
		t.Errorf("candidate = %s", candidate)
	}

	if _, err := structuredCandidateFromOutput(&Output{}, "record_answer"); err == nil {
		t.Error("empty output should error")
	}
}
