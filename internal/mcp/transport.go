package mcp

import (
	"context"
	"encoding/json"
)

// Transport is the wire layer under a Session: it moves JSON-RPC messages
// without knowing any MCP method semantics.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds the transport the server config calls for.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
