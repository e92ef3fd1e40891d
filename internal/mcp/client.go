package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/aide/internal/buildinfo"
)

const protocolVersion = "2025-03-26"

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the server behind a session.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolError is returned when the server flags a tool result as an
// error.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Text)
}

// Client talks to a single MCP server. A session the server forgets
// (after a restart, say) is re-established transparently on the next
// call.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	ready     atomic.Bool

	// handshake serializes Initialize so a burst of calls hitting an
	// expired session re-initializes once.
	handshake sync.Mutex

	mu   sync.RWMutex
	info ServerInfo
}

// NewClient creates a client for the server called name.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("component", "mcp", "mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Ready reports whether a session is established.
func (c *Client) Ready() bool { return c.ready.Load() }

// Info returns what the server reported during the last handshake.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Initialize performs the handshake: initialize, then the initialized
// notification. Calling it again starts a fresh session.
func (c *Client) Initialize(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	return c.initialize(ctx)
}

func (c *Client) initialize(ctx context.Context) error {
	c.ready.Store(false)
	resp, err := c.roundTrip(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "aide",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.info = result.ServerInfo
	c.mu.Unlock()
	c.ready.Store(true)

	c.logger.Info("mcp session established",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list. It is not cached; a restarted server may
// offer a different set.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}
	c.logger.Debug("listed mcp tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool and returns its text content. It satisfies
// tools.Caller.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.send(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	text := extractText(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Text: text}
	}
	return text, nil
}

// Ping checks whether the server responds on the current session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close ends the session and shuts down the transport.
func (c *Client) Close() error {
	c.ready.Store(false)
	return c.transport.Close()
}

// send issues a request on the current session. If the server reports
// the session gone, the handshake is redone once and the request
// retried.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.roundTrip(ctx, method, params)
	if !errors.Is(err, ErrSessionExpired) {
		return resp, err
	}
	c.logger.Warn("mcp session expired, re-initializing", "method", method)
	c.handshake.Lock()
	err = c.initialize(ctx)
	c.handshake.Unlock()
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, method, params)
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText joins text blocks; other block types become markers.
func extractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}
