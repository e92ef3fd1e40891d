package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/aide/internal/tools"
)

// RegisterTools adds list_watchers, create_watcher and delete_watcher
// to registry.
func (s *Service) RegisterTools(registry *tools.Registry) error {
	defs := []*tools.Tool{
		{
			Name:        "list_watchers",
			Description: "List the user's chat watchers (automatic monitoring of Telegram chats).",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     s.handleList,
		},
		{
			Name: "create_watcher",
			Description: "Create a watcher that periodically checks the given chats and forwards messages matching the criterion. " +
				"Prefer suggesting the /watch command when the user has not named the chats.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "description": "Short watcher name"},
					"prompt":   map[string]any{"type": "string", "description": "What to look for, in free text"},
					"chat_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Chat ids or @usernames to monitor"},
					"interval_seconds": map[string]any{
						"type":        "integer",
						"description": "Check interval in seconds (default 10800)",
					},
				},
				"required": []string{"name", "prompt", "chat_ids"},
			},
			Handler: s.handleCreate,
		},
		{
			Name:        "delete_watcher",
			Description: "Delete one of the user's watchers by id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"watcher_id": map[string]any{"type": "string", "description": "Watcher id"},
				},
				"required": []string{"watcher_id"},
			},
			Handler: s.handleDelete,
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Create saves a watcher for owner using the default interval when
// interval is zero.
func (s *Service) Create(ctx context.Context, owner int64, name, prompt string, chatIDs []string, interval time.Duration) (*Watcher, error) {
	if name == "" || prompt == "" || len(chatIDs) == 0 {
		return nil, fmt.Errorf("%w: needs a name, a prompt and at least one chat", ErrInvalid)
	}
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}
	w, err := s.store.Create(ctx, owner, name, prompt, chatIDs, interval)
	if err != nil {
		return nil, err
	}
	s.logger.Info("watcher created", "watcher", w.ID, "owner", owner, "chats", len(chatIDs))
	return w, nil
}

// List returns owner's watchers, newest first.
func (s *Service) List(ctx context.Context, owner int64) ([]*Watcher, error) {
	return s.store.ListOwner(ctx, owner)
}

// Delete removes one of owner's watchers.
func (s *Service) Delete(ctx context.Context, owner int64, id string) error {
	if err := s.store.Delete(ctx, owner, id); err != nil {
		return err
	}
	s.logger.Info("watcher deleted", "watcher", id, "owner", owner)
	return nil
}

func (s *Service) handleList(ctx context.Context, owner int64, _ map[string]any) (tools.Result, error) {
	ws, err := s.List(ctx, owner)
	if err != nil {
		return tools.Result{}, err
	}
	items := make([]map[string]any, 0, len(ws))
	for _, w := range ws {
		items = append(items, map[string]any{
			"id":               w.ID,
			"name":             w.Name,
			"prompt":           w.Prompt,
			"chat_ids":         w.ChatIDs,
			"interval_seconds": int64(w.Interval / time.Second),
		})
	}
	return tools.Data(map[string]any{"success": true, "watchers": items, "count": len(items)}), nil
}

func (s *Service) handleCreate(ctx context.Context, owner int64, args map[string]any) (tools.Result, error) {
	interval := time.Duration(0)
	if n, ok := tools.Int(args, "interval_seconds"); ok {
		interval = time.Duration(n) * time.Second
	}
	w, err := s.Create(ctx, owner, tools.String(args, "name"), tools.String(args, "prompt"), tools.Strings(args, "chat_ids"), interval)
	if errors.Is(err, ErrInvalid) {
		return tools.Failure("invalid_watcher", err.Error()), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Data(map[string]any{
		"success":    true,
		"watcher_id": w.ID,
		"message":    fmt.Sprintf("Watcher '%s' created.", w.Name),
	}), nil
}

func (s *Service) handleDelete(ctx context.Context, owner int64, args map[string]any) (tools.Result, error) {
	err := s.Delete(ctx, owner, tools.String(args, "watcher_id"))
	if errors.Is(err, ErrNotFound) {
		return tools.Failure("not_found", "Watcher not found."), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Data(map[string]any{"success": true, "message": "Watcher deleted."}), nil
}
