package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestConfirmingProviderUnguardedPassesThrough(t *testing.T) {
	inner := &fakeProvider{results: map[string]*Result{"read": TextResult("data")}}
	provider := NewConfirmingProvider(inner, nil, "delete")

	result, err := provider.Execute(context.Background(), "read", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "data" {
		t.Errorf("result = %q", result.Text)
	}
}

func TestConfirmingProviderNoCallbackRequiresConfirmation(t *testing.T) {
	inner := &fakeProvider{results: map[string]*Result{"delete": TextResult("gone")}}
	provider := NewConfirmingProvider(inner, nil, "delete")

	args := json.RawMessage(`{"path":"/tmp/x"}`)
	_, err := provider.Execute(context.Background(), "delete", args)

	var required *ConfirmationRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("error = %v, want ConfirmationRequiredError", err)
	}
	if required.Tool != "delete" {
		t.Errorf("tool = %q", required.Tool)
	}
	if !strings.Contains(required.Prompt, "delete") {
		t.Errorf("prompt = %q", required.Prompt)
	}
	if string(required.Args) != string(args) {
		t.Errorf("args = %s", required.Args)
	}
	if len(inner.executed) != 0 {
		t.Errorf("inner must not run without confirmation: %v", inner.executed)
	}
}

func TestConfirmingProviderCallbackDeclines(t *testing.T) {
	inner := &fakeProvider{results: map[string]*Result{"delete": TextResult("gone")}}
	decline := func(ctx context.Context, prompt, tool string, args json.RawMessage) (bool, error) {
		return false, nil
	}
	provider := NewConfirmingProvider(inner, decline, "delete")

	_, err := provider.Execute(context.Background(), "delete", nil)
	var failed *ConfirmationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want ConfirmationFailedError", err)
	}
	if len(inner.executed) != 0 {
		t.Errorf("inner must not run after decline: %v", inner.executed)
	}
}

func TestConfirmingProviderCallbackApproves(t *testing.T) {
	inner := &fakeProvider{results: map[string]*Result{"delete": TextResult("gone")}}
	var seenPrompt string
	approve := func(ctx context.Context, prompt, tool string, args json.RawMessage) (bool, error) {
		seenPrompt = prompt
		return true, nil
	}
	provider := NewConfirmingProvider(inner, approve, "delete")

	result, err := provider.Execute(context.Background(), "delete", json.RawMessage(`{"path":"/tmp/x"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "gone" {
		t.Errorf("result = %q", result.Text)
	}
	if !strings.Contains(seenPrompt, "/tmp/x") {
		t.Errorf("prompt = %q, want arguments included", seenPrompt)
	}
}

func TestConfirmingProviderCallbackError(t *testing.T) {
	inner := &fakeProvider{results: map[string]*Result{"delete": TextResult("gone")}}
	broken := func(ctx context.Context, prompt, tool string, args json.RawMessage) (bool, error) {
		return false, errors.New("chat channel closed")
	}
	provider := NewConfirmingProvider(inner, broken, "delete")

	_, err := provider.Execute(context.Background(), "delete", nil)
	if err == nil || !strings.Contains(err.Error(), "chat channel closed") {
		t.Errorf("error = %v", err)
	}
}
