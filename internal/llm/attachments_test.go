package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/werdnum/family-assistant/pkg/models"
)

func TestRenderAttachmentSmallJSON(t *testing.T) {
	att := &models.Attachment{
		ID:       "att-1",
		MimeType: "application/json",
		Data:     []byte(`{"temp": 21.5}`),
	}
	block := renderAttachment(att, false)
	if block.isNative() {
		t.Fatal("small JSON should render as text")
	}
	if !strings.Contains(block.Text, `{"temp": 21.5}`) {
		t.Errorf("small JSON should be inlined verbatim, got %q", block.Text)
	}
	if !strings.Contains(block.Text, "att-1") {
		t.Errorf("inline rendering should carry the attachment id, got %q", block.Text)
	}
}

func TestRenderAttachmentLargeJSONInfersSchema(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"events": [`)
	for i := 0; i < 600; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"id": %d, "name": "event-%d", "all_day": false}`, i, i)
	}
	buf.WriteString(`]}`)
	if buf.Len() <= smallAttachmentLimit {
		t.Fatalf("fixture too small: %d bytes", buf.Len())
	}

	att := &models.Attachment{ID: "att-2", MimeType: "application/json", Data: buf.Bytes()}
	block := renderAttachment(att, false)

	if !strings.Contains(block.Text, "too large to inline") {
		t.Errorf("large JSON should not be inlined, got %q", block.Text[:120])
	}
	for _, want := range []string{`"events"`, `"all_day"`, `"boolean"`, `"integer"`, "jq-style"} {
		if !strings.Contains(block.Text, want) {
			t.Errorf("schema summary missing %q", want)
		}
	}
	if strings.Contains(block.Text, "event-599") {
		t.Error("large JSON content should not leak into the summary")
	}
}

func TestAttachmentSummariesAreASCII(t *testing.T) {
	// Summary strings go straight into model prompts; keep the punctuation
	// plain so every tokenizer and terminal renders them the same way.
	att := &models.Attachment{ID: "big", MimeType: "text/plain", Size: 50000}
	for _, text := range []string{
		largeTextSummary(att, 50000),
		largeJSONSummary(&models.Attachment{ID: "j", MimeType: "application/json"}, []byte(`{"a":1}`)),
	} {
		for _, r := range text {
			if r > 127 {
				t.Errorf("non-ASCII rune %q in summary %q", r, text)
			}
		}
	}
}

func TestRenderAttachmentImage(t *testing.T) {
	att := &models.Attachment{ID: "img-1", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}, Size: 4}

	native := renderAttachment(att, true)
	if !native.isNative() || native.MimeType != "image/png" {
		t.Errorf("multimodal image should render natively, got %+v", native)
	}

	text := renderAttachment(att, false)
	if text.isNative() {
		t.Error("non-multimodal image should degrade to a description")
	}
	if !strings.Contains(text.Text, "image/png") {
		t.Errorf("description should name the mime type, got %q", text.Text)
	}
}

func TestRenderAttachmentUnresolvable(t *testing.T) {
	att := &models.Attachment{ID: "gone", MimeType: "text/plain", FilePath: "/nonexistent/file.txt", Size: 12}
	block := renderAttachment(att, false)
	if block.isNative() || !strings.Contains(block.Text, "gone") {
		t.Errorf("unresolvable attachment should describe itself, got %+v", block)
	}
}

func TestInferJSONSchema(t *testing.T) {
	var v any
	if err := json.Unmarshal([]byte(`{"n": 3, "ratio": 0.5, "tags": ["a"], "meta": {"ok": true}, "gone": null}`), &v); err != nil {
		t.Fatal(err)
	}
	schema := inferJSONSchema(v, 0)
	props := schema["properties"].(map[string]any)

	if props["n"].(map[string]any)["type"] != "integer" {
		t.Error("whole float should infer integer")
	}
	if props["ratio"].(map[string]any)["type"] != "number" {
		t.Error("fractional float should infer number")
	}
	tags := props["tags"].(map[string]any)
	if tags["type"] != "array" || tags["items"].(map[string]any)["type"] != "string" {
		t.Errorf("array schema wrong: %v", tags)
	}
	meta := props["meta"].(map[string]any)
	if meta["properties"].(map[string]any)["ok"].(map[string]any)["type"] != "boolean" {
		t.Errorf("nested object schema wrong: %v", meta)
	}
	if props["gone"].(map[string]any)["type"] != "null" {
		t.Error("null should infer null")
	}
}

func TestExpandToolAttachments(t *testing.T) {
	messages := []models.Message{
		models.UserMessage("show me the config"),
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "call-1", Type: "function", Function: models.FunctionCall{Name: "read_config", Arguments: "{}"}}},
		},
		{
			Role:       models.RoleTool,
			ToolCallID: "call-1",
			Name:       "read_config",
			Content:    "config loaded",
			Attachments: []models.Attachment{
				{ID: "cfg", MimeType: "application/json", Data: []byte(`{"a":1}`)},
			},
		},
	}

	out := expandToolAttachments(messages)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	tool := out[2]
	if !strings.Contains(tool.Content, "[File content in following message]") {
		t.Errorf("tool content should announce the follow-up, got %q", tool.Content)
	}
	if len(tool.Attachments) != 0 {
		t.Error("attachments must be cleared on the copy that is sent")
	}
	synthetic := out[3]
	if synthetic.Role != models.RoleUser {
		t.Errorf("synthetic message role = %v, want user", synthetic.Role)
	}
	if !strings.HasPrefix(synthetic.Content, "[System:") {
		t.Errorf("synthetic message should start with the [System: marker, got %q", synthetic.Content)
	}
	if !strings.Contains(synthetic.Content, `{"a":1}`) {
		t.Errorf("small JSON should be carried verbatim, got %q", synthetic.Content)
	}

	// Input not mutated.
	if len(messages[2].Attachments) != 1 {
		t.Error("input message attachments were mutated")
	}
	if strings.Contains(messages[2].Content, "following message") {
		t.Error("input message content was mutated")
	}
}

func TestExpandToolAttachmentsMultiple(t *testing.T) {
	messages := []models.Message{
		{
			Role:       models.RoleTool,
			ToolCallID: "call-1",
			Content:    "two files",
			Attachments: []models.Attachment{
				{ID: "a", MimeType: "text/plain", Data: []byte("one")},
				{ID: "b", MimeType: "text/plain", Data: []byte("two")},
			},
		},
	}
	out := expandToolAttachments(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if !strings.Contains(out[0].Content, "[2 file(s) content in following message(s)]") {
		t.Errorf("tool content = %q", out[0].Content)
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		path, override, want string
	}{
		{"photo.png", "", "image/png"},
		{"doc.pdf", "", "application/pdf"},
		{"data.bin", "", "application/octet-stream"},
		{"data.bin", "image/jpeg", "image/jpeg"},
	}
	for _, tt := range tests {
		if got := detectMimeType(tt.path, tt.override); got != tt.want {
			t.Errorf("detectMimeType(%q, %q) = %q, want %q", tt.path, tt.override, got, tt.want)
		}
	}
}

func TestTruncateText(t *testing.T) {
	s := strings.Repeat("x", 50)
	if got := truncateText(s, 100); got != s {
		t.Error("short text should pass through")
	}
	got := truncateText(s, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.Contains(got, "truncated") {
		t.Errorf("truncateText = %q", got)
	}
	// Never split a multi-byte rune.
	got = truncateText("aé"+strings.Repeat("b", 10), 2)
	if !strings.HasPrefix(got, "a") || strings.ContainsRune(got[:1], 0xFFFD) {
		t.Errorf("rune boundary violated: %q", got)
	}
}
