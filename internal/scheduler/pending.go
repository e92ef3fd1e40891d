package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pending is a reminder the model proposed and the owner has not yet
// confirmed. It expires on its own.
type Pending struct {
	ID         string     `json:"id"`
	Owner      int64      `json:"owner"`
	Payload    string     `json:"payload"`
	Summary    string     `json:"summary,omitempty"`
	Recurrence Recurrence `json:"recurrence"`
}

// newPendingID returns a short id that fits in a callback payload.
func newPendingID() string {
	return uuid.New().String()[:8]
}

// Park stores p under a fresh id for ttl.
func (s *Store) Park(ctx context.Context, p *Pending, ttl time.Duration) error {
	p.ID = newPendingID()
	return s.repark(ctx, p, ttl)
}

// repark stores p under its existing id for ttl.
func (s *Store) repark(ctx context.Context, p *Pending, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending reminder: %w", err)
	}
	if err := s.kv.SetEX(ctx, pendingPrefix+p.ID, string(data), ttl); err != nil {
		return fmt.Errorf("save pending reminder: %w", err)
	}
	return nil
}

// Pending loads a parked reminder. Missing or expired is
// ErrConfirmationExpired.
func (s *Store) Pending(ctx context.Context, id string) (*Pending, error) {
	raw, ok, err := s.kv.Get(ctx, pendingPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load pending reminder %s: %w", id, err)
	}
	if !ok {
		return nil, ErrConfirmationExpired
	}
	return decodePending(id, raw)
}

// ClaimPending loads and deletes a parked reminder in one step. Of
// concurrent claims for the same id only one succeeds; the others get
// ErrConfirmationExpired.
func (s *Store) ClaimPending(ctx context.Context, id string) (*Pending, error) {
	raw, ok, err := s.kv.Take(ctx, pendingPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("claim pending reminder %s: %w", id, err)
	}
	if !ok {
		return nil, ErrConfirmationExpired
	}
	return decodePending(id, raw)
}

func decodePending(id, raw string) (*Pending, error) {
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode pending reminder %s: %w", id, err)
	}
	return &p, nil
}

// DropPending deletes a parked reminder.
func (s *Store) DropPending(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, pendingPrefix+id); err != nil {
		return fmt.Errorf("delete pending reminder %s: %w", id, err)
	}
	return nil
}
