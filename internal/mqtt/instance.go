package mqtt

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/aide/internal/kv"
)

const instanceKey = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from the store, or
// generates a new UUIDv7 and persists it on first run. The ID is
// stable across restarts so consumers of the feed can tell deployments
// sharing one broker apart.
func LoadOrCreateInstanceID(ctx context.Context, store kv.Store) (string, error) {
	id, ok, err := store.Get(ctx, instanceKey)
	if err != nil {
		return "", fmt.Errorf("read instance ID: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := store.Set(ctx, instanceKey, u.String()); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return u.String(), nil
}
