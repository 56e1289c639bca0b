package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

// fakeTransport answers calls from a canned method → result map.
type fakeTransport struct {
	results   map[string]json.RawMessage
	errors    map[string]error
	calls     []string
	notifies  []string
	connected bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	result, ok := f.results[method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	return result, nil
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.notifies = append(f.notifies, method)
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results: map[string]json.RawMessage{
			"initialize": json.RawMessage(`{
				"protocolVersion": "2024-11-05",
				"serverInfo": {"name": "test-server", "version": "0.1.0"}
			}`),
			"tools/list": json.RawMessage(`{
				"tools": [
					{"name": "echo", "description": "echoes input", "inputSchema": {"type": "object"}},
					{"name": "add", "inputSchema": {"type": "object"}}
				]
			}`),
			"tools/call": json.RawMessage(`{
				"content": [{"type": "text", "text": "echoed"}]
			}`),
		},
		errors: map[string]error{},
	}
}

func TestSessionConnectHandshake(t *testing.T) {
	transport := newFakeTransport()
	session := NewSessionWithTransport(&ServerConfig{ID: "test"}, transport)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.ServerInfo().Name != "test-server" {
		t.Errorf("server name = %q", session.ServerInfo().Name)
	}
	if len(transport.calls) < 2 || transport.calls[0] != "initialize" || transport.calls[1] != "tools/list" {
		t.Errorf("call order = %v", transport.calls)
	}
	if len(transport.notifies) != 1 || transport.notifies[0] != "notifications/initialized" {
		t.Errorf("notifies = %v", transport.notifies)
	}

	tools := session.Tools()
	if len(tools) != 2 || tools[0].Name != "echo" || tools[1].Name != "add" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestSessionConnectFailsClosesTransport(t *testing.T) {
	transport := newFakeTransport()
	transport.errors["initialize"] = fmt.Errorf("server exploded")
	session := NewSessionWithTransport(&ServerConfig{ID: "test"}, transport)

	if err := session.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if transport.connected {
		t.Error("transport should be closed after failed handshake")
	}
}

func TestSessionCallTool(t *testing.T) {
	transport := newFakeTransport()
	session := NewSessionWithTransport(&ServerConfig{ID: "test"}, transport)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := session.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echoed" {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionCallToolError(t *testing.T) {
	transport := newFakeTransport()
	transport.errors["tools/call"] = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "no such tool"}
	session := NewSessionWithTransport(&ServerConfig{ID: "test"}, transport)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := session.CallTool(context.Background(), "ghost", nil); err == nil {
		t.Error("expected tool call error")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{
			"valid stdio",
			ServerConfig{ID: "a", Transport: TransportStdio, Command: "/usr/bin/server", Args: []string{"--port", "8080"}},
			false,
		},
		{
			"valid http",
			ServerConfig{ID: "b", Transport: TransportHTTP, URL: "https://tools.example.com/rpc"},
			false,
		},
		{"missing id", ServerConfig{Transport: TransportStdio, Command: "x"}, true},
		{"stdio without command", ServerConfig{ID: "c", Transport: TransportStdio}, true},
		{
			"path traversal",
			ServerConfig{ID: "d", Transport: TransportStdio, Command: "../../etc/passwd"},
			true,
		},
		{
			"shell metacharacters in args",
			ServerConfig{ID: "e", Transport: TransportStdio, Command: "srv", Args: []string{"x; rm -rf /"}},
			true,
		},
		{"http without url", ServerConfig{ID: "f", Transport: TransportHTTP}, true},
		{
			"http bad scheme",
			ServerConfig{ID: "g", Transport: TransportHTTP, URL: "ftp://nope"},
			true,
		},
		{"unknown transport", ServerConfig{ID: "h", Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
