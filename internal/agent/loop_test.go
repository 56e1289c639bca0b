package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/werdnum/family-assistant/internal/llm"
	"github.com/werdnum/family-assistant/internal/tools"
	"github.com/werdnum/family-assistant/pkg/models"
)

// scriptedClient returns canned outputs in sequence and records the requests
// it saw.
type scriptedClient struct {
	outputs  []*llm.Output
	err      error
	requests []*llm.Request
}

func (c *scriptedClient) ModelID() string               { return "scripted-model" }
func (c *scriptedClient) ProviderName() string          { return "scripted" }
func (c *scriptedClient) SupportsMultimodalTools() bool { return false }

func (c *scriptedClient) GenerateResponse(ctx context.Context, req *llm.Request) (*llm.Output, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.requests) > len(c.outputs) {
		return nil, fmt.Errorf("unexpected call %d", len(c.requests))
	}
	return c.outputs[len(c.requests)-1], nil
}

func (c *scriptedClient) GenerateResponseStream(ctx context.Context, req *llm.Request) (<-chan *llm.StreamEvent, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) GenerateStructured(ctx context.Context, messages []models.Message, schema *llm.ResponseSchema, maxRetries int) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) FormatUserMessageWithFile(ctx context.Context, opts llm.FileMessageOptions) (models.Message, error) {
	return models.Message{}, errors.New("not scripted")
}

func mustToolCall(t *testing.T, id, name, args string) models.ToolCall {
	t.Helper()
	tc, err := models.NewToolCall(id, name, args)
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func conversation() []models.Message {
	return []models.Message{
		models.SystemMessage("You are a helpful assistant."),
		models.UserMessage("add a note"),
	}
}

func newNoteProvider(t *testing.T) *tools.LocalProvider {
	t.Helper()
	provider := tools.NewLocalProvider()
	err := provider.RegisterText(llm.ToolDefinition{Name: "add_note"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "OK. Note added.", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return provider
}

func TestRunTextOnlyReply(t *testing.T) {
	client := &scriptedClient{outputs: []*llm.Output{{Content: "Hello"}}}
	orch := New(client, newNoteProvider(t), nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "Hello" {
		t.Errorf("content = %q", result.Content)
	}
	if len(client.requests) != 1 {
		t.Errorf("client called %d times, want 1", len(client.requests))
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content != "Hello" {
		t.Errorf("last message = %+v", last)
	}
	if len(client.requests[0].Tools) != 1 || client.requests[0].Tools[0].Name != "add_note" {
		t.Errorf("tools offered = %+v", client.requests[0].Tools)
	}
}

func TestRunToolCallCycle(t *testing.T) {
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "add_note", `{"title":"t"}`)}},
		{Content: "Done."},
	}}
	orch := New(client, newNoteProvider(t), nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "Done." {
		t.Errorf("content = %q", result.Content)
	}
	if len(client.requests) != 2 {
		t.Fatalf("client called %d times, want 2", len(client.requests))
	}

	// The second request must carry the assistant tool-call turn and the tool
	// result, in that order.
	msgs := client.requests[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("second request has %d messages, want 4", len(msgs))
	}
	if msgs[2].Role != models.RoleAssistant || len(msgs[2].ToolCalls) != 1 {
		t.Errorf("messages[2] = %+v", msgs[2])
	}
	if msgs[3].Role != models.RoleTool || msgs[3].ToolCallID != "c1" || msgs[3].Content != "OK. Note added." {
		t.Errorf("messages[3] = %+v", msgs[3])
	}
}

func TestRunServicesToolCallsInOrder(t *testing.T) {
	provider := tools.NewLocalProvider()
	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		err := provider.RegisterText(llm.ToolDefinition{Name: name}, func(ctx context.Context, args json.RawMessage) (string, error) {
			order = append(order, name)
			return "ran " + name, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{
			mustToolCall(t, "c1", "first", `{}`),
			mustToolCall(t, "c2", "second", `{}`),
		}},
		{Content: "both done"},
	}}
	orch := New(client, provider, nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v", order)
	}

	msgs := client.requests[1].Messages
	if msgs[3].ToolCallID != "c1" || msgs[4].ToolCallID != "c2" {
		t.Errorf("result order = %q then %q", msgs[3].ToolCallID, msgs[4].ToolCallID)
	}
	if result.Content != "both done" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestRunForcesTextOnLastIteration(t *testing.T) {
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "add_note", `{}`)}},
		{Content: "forced reply"},
	}}
	orch := New(client, newNoteProvider(t), &Config{MaxIterations: 2})

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "forced reply" {
		t.Errorf("content = %q", result.Content)
	}

	last := client.requests[1]
	if last.ToolChoice != llm.ToolChoiceNone {
		t.Errorf("last tool choice = %q, want none", last.ToolChoice)
	}
	if len(last.Tools) != 0 {
		t.Errorf("last request still offers tools: %+v", last.Tools)
	}
}

func TestRunIterationCapAppendsAdvisoryNote(t *testing.T) {
	// The model keeps calling tools even when told not to.
	stubborn := []models.ToolCall{mustToolCall(t, "c1", "add_note", `{}`)}
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: stubborn},
		{ToolCalls: stubborn},
	}}
	orch := New(client, newNoteProvider(t), &Config{MaxIterations: 2})

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != advisoryNote {
		t.Errorf("content = %q", result.Content)
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content != advisoryNote {
		t.Errorf("last message = %+v", last)
	}
}

func TestRunConfirmationRequiredYields(t *testing.T) {
	provider := tools.NewConfirmingProvider(newNoteProvider(t), nil, "add_note")
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "add_note", `{"title":"t"}`)}},
	}}
	orch := New(client, provider, nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Confirmation == nil {
		t.Fatal("expected confirmation request")
	}
	if result.Confirmation.Tool != "add_note" {
		t.Errorf("confirmation tool = %q", result.Confirmation.Tool)
	}
	if result.Content != "" {
		t.Errorf("content = %q, want empty while confirmation pending", result.Content)
	}
	if len(client.requests) != 1 {
		t.Errorf("client called %d times, want 1", len(client.requests))
	}
}

func TestRunDeclinedToolReportedToModel(t *testing.T) {
	decline := func(ctx context.Context, prompt, tool string, args json.RawMessage) (bool, error) {
		return false, nil
	}
	provider := tools.NewConfirmingProvider(newNoteProvider(t), decline, "add_note")
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "add_note", `{}`)}},
		{Content: "Understood, I won't add the note."},
	}}
	orch := New(client, provider, nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "Understood, I won't add the note." {
		t.Errorf("content = %q", result.Content)
	}

	toolMsg := client.requests[1].Messages[3]
	if toolMsg.Role != models.RoleTool || !strings.Contains(toolMsg.Content, "declined") {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if toolMsg.ErrorTraceback == "" {
		t.Error("declined result should be error-flagged")
	}
}

func TestRunUnknownToolReportedToModel(t *testing.T) {
	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "ghost", `{}`)}},
		{Content: "sorry"},
	}}
	orch := New(client, newNoteProvider(t), nil)

	result, err := orch.Run(context.Background(), conversation())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "sorry" {
		t.Errorf("content = %q", result.Content)
	}
	toolMsg := client.requests[1].Messages[3]
	if !strings.Contains(toolMsg.Content, "does not exist") || toolMsg.ErrorTraceback == "" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestRunToolFailureReportedToModel(t *testing.T) {
	provider := tools.NewLocalProvider()
	err := provider.RegisterText(llm.ToolDefinition{Name: "broken"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("disk full")
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "broken", `{}`)}},
		{Content: "that failed"},
	}}
	orch := New(client, provider, nil)

	result, runErr := orch.Run(context.Background(), conversation())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if result.Content != "that failed" {
		t.Errorf("content = %q", result.Content)
	}
	toolMsg := client.requests[1].Messages[3]
	if !strings.Contains(toolMsg.Content, "disk full") || toolMsg.ErrorTraceback == "" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestRunClientErrorPropagates(t *testing.T) {
	boom := errors.New("rate limited")
	client := &scriptedClient{err: boom}
	orch := New(client, nil, nil)

	_, err := orch.Run(context.Background(), conversation())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestRunCollectsToolAttachments(t *testing.T) {
	provider := tools.NewLocalProvider()
	err := provider.Register(llm.ToolDefinition{Name: "camera"}, func(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
		return &tools.Result{
			Text:        "snapshot taken",
			Attachments: []models.Attachment{{ID: "att-1", MimeType: "image/jpeg"}},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{outputs: []*llm.Output{
		{ToolCalls: []models.ToolCall{mustToolCall(t, "c1", "camera", `{}`)}},
		{Content: "here it is"},
	}}
	orch := New(client, provider, nil)

	result, runErr := orch.Run(context.Background(), conversation())
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if len(result.Attachments) != 1 || result.Attachments[0].ID != "att-1" {
		t.Errorf("attachments = %+v", result.Attachments)
	}
}
