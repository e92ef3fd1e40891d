// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message. It is also the persisted form of
// conversation history, so tool calls keep their full structure.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its arguments. Arguments stay
// the raw JSON string the provider returned; the model may emit
// malformed JSON and the caller decides how to tolerate it.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a chat completion request. Tools are in OpenAI function
// form as produced by the tool registry.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []map[string]any
	Temperature float64
	MaxTokens   int // zero leaves the provider default

	// Owner and Purpose attribute the call for usage accounting. They
	// are never sent to the provider.
	Owner   int64
	Purpose string
}

// Purposes.
const (
	PurposeTurn    = "turn"
	PurposeSummary = "summary"
	PurposeWatcher = "watcher"
	PurposeDigest  = "digest"
)

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// Client is implemented by chat providers and by decorators around them.
type Client interface {
	// Chat sends a non-streaming chat completion request.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)
}
