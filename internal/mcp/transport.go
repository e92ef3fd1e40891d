package mcp

import (
	"context"
	"errors"
)

// ErrSessionExpired means the server no longer knows the session the
// transport presented. The client answers it with a new handshake.
var ErrSessionExpired = errors.New("mcp session expired")

// Transport delivers JSON-RPC messages to one MCP server.
type Transport interface {
	// Send sends a request and waits for the response with the same id.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases transport resources.
	Close() error
}
