package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aide/internal/kv"
)

var (
	// ErrNotFound is returned for an unknown watcher id.
	ErrNotFound = errors.New("watcher not found")

	// ErrInvalid is returned for a watcher missing required fields.
	ErrInvalid = errors.New("invalid watcher")
)

const (
	watcherPrefix = "watcher:"
	ownerPrefix   = "user_watchers:"
)

// Watcher monitors a set of chats and forwards the messages that match
// a free-text criterion to its owner.
type Watcher struct {
	ID       string
	Owner    int64
	Name     string
	Prompt   string
	ChatIDs  []string
	Interval time.Duration

	// LastCheckAt is zero until the first check.
	LastCheckAt time.Time

	// Cursors hold the last seen message id per chat.
	Cursors map[string]int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// watcherJSON stores Interval as whole seconds.
type watcherJSON struct {
	ID          string           `json:"id"`
	Owner       int64            `json:"user_id"`
	Name        string           `json:"name"`
	Prompt      string           `json:"prompt"`
	ChatIDs     []string         `json:"chat_ids"`
	Interval    int64            `json:"interval_seconds"`
	LastCheckAt *time.Time       `json:"last_check_at"`
	Cursors     map[string]int64 `json:"last_message_ids"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (w Watcher) MarshalJSON() ([]byte, error) {
	j := watcherJSON{
		ID: w.ID, Owner: w.Owner, Name: w.Name, Prompt: w.Prompt, ChatIDs: w.ChatIDs,
		Interval: int64(w.Interval / time.Second), Cursors: w.Cursors,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
	if !w.LastCheckAt.IsZero() {
		t := w.LastCheckAt
		j.LastCheckAt = &t
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Watcher) UnmarshalJSON(data []byte) error {
	var j watcherJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*w = Watcher{
		ID: j.ID, Owner: j.Owner, Name: j.Name, Prompt: j.Prompt, ChatIDs: j.ChatIDs,
		Interval: time.Duration(j.Interval) * time.Second, Cursors: j.Cursors,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.LastCheckAt != nil {
		w.LastCheckAt = *j.LastCheckAt
	}
	return nil
}

// Due reports whether w should be checked at now.
func (w *Watcher) Due(now time.Time) bool {
	return w.LastCheckAt.IsZero() || now.Sub(w.LastCheckAt) >= w.Interval
}

// Store persists watchers in a kv.Store with a per-owner index.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// NewStore creates a watcher store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: time.Now}
}

func ownerKey(owner int64) string {
	return ownerPrefix + strconv.FormatInt(owner, 10)
}

// Create saves a new watcher and returns it.
func (s *Store) Create(ctx context.Context, owner int64, name, prompt string, chatIDs []string, interval time.Duration) (*Watcher, error) {
	now := s.now().UTC()
	w := &Watcher{
		ID:        uuid.New().String(),
		Owner:     owner,
		Name:      name,
		Prompt:    prompt,
		ChatIDs:   chatIDs,
		Interval:  interval,
		Cursors:   map[string]int64{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, w); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, ownerKey(owner), w.ID); err != nil {
		return nil, fmt.Errorf("index watcher %s: %w", w.ID, err)
	}
	return w, nil
}

func (s *Store) put(ctx context.Context, w *Watcher) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal watcher: %w", err)
	}
	if err := s.kv.Set(ctx, watcherPrefix+w.ID, string(data)); err != nil {
		return fmt.Errorf("save watcher %s: %w", w.ID, err)
	}
	return nil
}

// Get loads a watcher. A missing one is ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Watcher, error) {
	raw, ok, err := s.kv.Get(ctx, watcherPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load watcher %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var w Watcher
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode watcher %s: %w", id, err)
	}
	return &w, nil
}

// ListOwner returns owner's watchers, newest first.
func (s *Store) ListOwner(ctx context.Context, owner int64) ([]*Watcher, error) {
	ids, err := s.kv.SMembers(ctx, ownerKey(owner))
	if err != nil {
		return nil, fmt.Errorf("list watchers for %d: %w", owner, err)
	}
	return s.load(ctx, ids)
}

// ListAll returns every watcher, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Watcher, error) {
	keys, err := s.kv.Keys(ctx, watcherPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan watchers: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, watcherPrefix))
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]*Watcher, error) {
	out := make([]*Watcher, 0, len(ids))
	for _, id := range ids {
		w, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Delete removes one of owner's watchers. Someone else's watcher is
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, owner int64, id string) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Owner != owner {
		return ErrNotFound
	}
	if err := s.kv.Delete(ctx, watcherPrefix+id); err != nil {
		return fmt.Errorf("delete watcher %s: %w", id, err)
	}
	if err := s.kv.SRem(ctx, ownerKey(owner), id); err != nil {
		return fmt.Errorf("unindex watcher %s: %w", id, err)
	}
	return nil
}

// Checked records a completed fetch: the check time and the advanced
// cursors. A cursor never moves backwards.
func (s *Store) Checked(ctx context.Context, id string, at time.Time, cursors map[string]int64) (*Watcher, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Cursors == nil {
		w.Cursors = map[string]int64{}
	}
	for chat, c := range cursors {
		if c > w.Cursors[chat] {
			w.Cursors[chat] = c
		}
	}
	w.LastCheckAt = at.UTC()
	w.UpdatedAt = s.now().UTC()
	if err := s.put(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}
