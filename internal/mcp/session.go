package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/werdnum/family-assistant/internal/observability"
)

const protocolVersion = "2024-11-05"

// Session is a connection to one MCP server, exposing its tool surface.
type Session struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewSession builds a session over the transport the config selects. The
// transport can be overridden for tests via NewSessionWithTransport.
func NewSession(cfg *ServerConfig) *Session {
	return NewSessionWithTransport(cfg, NewTransport(cfg))
}

// NewSessionWithTransport builds a session over an explicit transport.
func NewSessionWithTransport(cfg *ServerConfig, transport Transport) *Session {
	return &Session{
		config:    cfg,
		transport: transport,
		logger:    observability.ComponentLogger("mcp").With("server", cfg.ID),
	}
}

// Connect opens the transport, performs the initialize handshake, and loads
// the server's tool list.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := s.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "family-assistant",
			"version": "1.0.0",
		},
	})
	if err != nil {
		s.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		s.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.mu.Lock()
	s.serverInfo = initResult.ServerInfo
	s.mu.Unlock()

	s.logger.Info("connected to tool server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := s.RefreshTools(ctx); err != nil {
		s.logger.Warn("failed to load tool list", "error", err)
	}
	return nil
}

// Close tears the connection down.
func (s *Session) Close() error {
	return s.transport.Close()
}

// Connected reports whether the underlying transport is usable.
func (s *Session) Connected() bool {
	return s.transport.Connected()
}

// ServerInfo returns the identity reported by initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// RefreshTools re-fetches and caches the server's tool list.
func (s *Session) RefreshTools(ctx context.Context) error {
	result, err := s.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	s.mu.Lock()
	s.tools = resp.Tools
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (s *Session) Tools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// CallTool invokes a tool on the server.
func (s *Session) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{Name: name, Arguments: arguments}
	result, err := s.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}
