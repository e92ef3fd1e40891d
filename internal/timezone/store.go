package timezone

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/aide/internal/kv"
)

const keyPrefix = "user_timezone:"

// Store keeps each owner's timezone in the key-value store.
type Store struct {
	kv kv.Store
}

// NewStore creates a timezone store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func key(owner int64) string {
	return keyPrefix + strconv.FormatInt(owner, 10)
}

// Get returns owner's timezone. ok is false when none is stored.
func (s *Store) Get(ctx context.Context, owner int64) (tz string, ok bool, err error) {
	tz, ok, err = s.kv.Get(ctx, key(owner))
	if err != nil {
		return "", false, fmt.Errorf("load timezone for %d: %w", owner, err)
	}
	return tz, ok, nil
}

// Set stores tz for owner after checking it parses. Offsets are stored
// in canonical "+HH:MM" form.
func (s *Store) Set(ctx context.Context, owner int64, tz string) (string, error) {
	tz = strings.TrimSpace(tz)
	loc, err := Parse(tz)
	if err != nil {
		return "", err
	}
	if _, ok := parseOffset(tz); ok {
		tz = loc.String()
	}
	if err := s.kv.Set(ctx, key(owner), tz); err != nil {
		return "", fmt.Errorf("save timezone for %d: %w", owner, err)
	}
	return tz, nil
}

// Location returns owner's timezone as a location, or fallback when
// none is stored or it no longer parses.
func (s *Store) Location(ctx context.Context, owner int64, fallback *time.Location) *time.Location {
	tz, ok, err := s.Get(ctx, owner)
	if err != nil || !ok {
		return fallback
	}
	return ParseOr(tz, fallback)
}
