package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nugget/aide/internal/tools"
)

// ErrNotAuthorized means the owner has not connected the chat source.
var ErrNotAuthorized = errors.New("chat source not authorized")

// Item is one message fetched from a watched chat.
type Item struct {
	ID        int64  `json:"id"`
	ChatID    string `json:"chat_id"`
	ChatTitle string `json:"chat_title"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Date      string `json:"date"`
}

// Source fetches messages newer than the given per-chat cursors. The
// returned cursors cover every chat that was read.
type Source interface {
	Fetch(ctx context.Context, owner int64, chatIDs []string, cursors map[string]int64) ([]Item, map[string]int64, error)
}

// Executor runs a registered tool for an owner. *tools.Registry
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, owner int64, args map[string]any) (tools.Result, error)
}

// RemoteSource fetches chat messages through a remote tool.
type RemoteSource struct {
	exec Executor
	tool string
}

// NewRemoteSource reads chats with tool, usually
// "fetch_new_chat_messages".
func NewRemoteSource(exec Executor, tool string) *RemoteSource {
	if tool == "" {
		tool = "fetch_new_chat_messages"
	}
	return &RemoteSource{exec: exec, tool: tool}
}

// Fetch implements Source.
func (r *RemoteSource) Fetch(ctx context.Context, owner int64, chatIDs []string, cursors map[string]int64) ([]Item, map[string]int64, error) {
	if cursors == nil {
		cursors = map[string]int64{}
	}
	res, err := r.exec.Execute(ctx, r.tool, owner, map[string]any{
		"chat_ids":         chatIDs,
		"last_message_ids": cursors,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", r.tool, err)
	}
	switch res.Kind {
	case tools.KindAuthRequired:
		return nil, nil, ErrNotAuthorized
	case tools.KindData:
	default:
		return nil, nil, fmt.Errorf("%s: %s %s", r.tool, res.ErrKind, res.Detail)
	}

	var raw []byte
	switch d := res.Data.(type) {
	case json.RawMessage:
		raw = d
	case string:
		raw = []byte(d)
	default:
		if raw, err = json.Marshal(d); err != nil {
			return nil, nil, fmt.Errorf("%s: encode result: %w", r.tool, err)
		}
	}

	var env struct {
		Success  *bool                      `json:"success"`
		Error    string                     `json:"error"`
		Message  string                     `json:"message"`
		Messages []remoteItem               `json:"messages"`
		Cursors  map[string]json.RawMessage `json:"last_message_ids"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%s: decode result: %w", r.tool, err)
	}
	if env.Success != nil && !*env.Success {
		if env.Error == tools.NotAuthorized {
			return nil, nil, ErrNotAuthorized
		}
		return nil, nil, fmt.Errorf("%s: %s: %s", r.tool, env.Error, env.Message)
	}

	items := make([]Item, 0, len(env.Messages))
	for _, m := range env.Messages {
		items = append(items, m.item())
	}
	next := make(map[string]int64, len(env.Cursors))
	for chat, v := range env.Cursors {
		if n, ok := flexInt(v); ok {
			next[chat] = n
		}
	}
	return items, next, nil
}

// remoteItem tolerates ids sent as numbers or strings.
type remoteItem struct {
	ID        json.RawMessage `json:"id"`
	ChatID    json.RawMessage `json:"chat_id"`
	ChatTitle string          `json:"chat_title"`
	Sender    string          `json:"sender"`
	Text      string          `json:"text"`
	Date      string          `json:"date"`
}

func (m remoteItem) item() Item {
	id, _ := flexInt(m.ID)
	return Item{
		ID:        id,
		ChatID:    flexString(m.ChatID),
		ChatTitle: m.ChatTitle,
		Sender:    m.Sender,
		Text:      m.Text,
		Date:      m.Date,
	}
}

func flexInt(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func flexString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if n, ok := flexInt(raw); ok {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
