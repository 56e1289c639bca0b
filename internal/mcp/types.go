// Package mcp implements a minimal Model Context Protocol client: a JSON-RPC
// session over a stdio subprocess or an HTTP endpoint exposing initialize,
// tools/list, and tools/call. It backs the remote tool provider.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportType selects the wire transport for a server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options.
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the configuration for completeness and obvious injection
// hazards before a subprocess is started with it.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server ID is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio config for %s: command is required", c.ID)
		}
		if err := validatePath(c.Command, "command"); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.ID, err)
		}
		if c.WorkDir != "" {
			if err := validatePath(c.WorkDir, "workdir"); err != nil {
				return fmt.Errorf("stdio config for %s: %w", c.ID, err)
			}
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("stdio config for %s: arg[%d] contains shell metacharacters: %q", c.ID, i, arg)
			}
		}
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("http config for %s: URL is required", c.ID)
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("http config for %s: URL must start with http:// or https://", c.ID)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	patterns := []string{
		"$(", "${", "`",
		"&&", "||", ";", "|",
		">", "<",
		"\n", "\r",
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Tool is a tool exposed by an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult is the payload of a tools/call response.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent is one block of a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for images
	MimeType string `json:"mimeType,omitempty"`
}

// ServerInfo identifies the remote server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the response to the initialize method.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ListToolsResult is the response to tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JSON-RPC 2.0 envelope types.

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)
