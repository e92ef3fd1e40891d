package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/aide/internal/tools"
)

// BridgeTools lists the tools of client and registers each one in
// registry under its own name. The registry injects the owner id on
// every call and hides it from the schema.
//
// include, when non-empty, is an allow list; otherwise exclude is a
// deny list. A name already registered is an *tools.ErrNameCollision
// and aborts the bridge.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, include, exclude []string, timeout time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		err := registry.RegisterRemote(tools.RemoteSpec{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.InputSchema,
		}, client, timeout)
		if err != nil {
			return count, fmt.Errorf("bridge %s from %s: %w", td.Name, client.Name(), err)
		}
		count++

		logger.Debug("bridged MCP tool", "tool", td.Name, "server", client.Name())
	}
	return count, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
