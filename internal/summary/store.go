package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aide/internal/kv"
)

var (
	// ErrNotFound is returned for an unknown group id or one owned by
	// someone else.
	ErrNotFound = errors.New("summary group not found")

	// ErrInvalid is returned for a group missing required fields or
	// with an interval out of range.
	ErrInvalid = errors.New("invalid summary group")

	// ErrChannelPresent is returned when adding a channel the group
	// already reads.
	ErrChannelPresent = errors.New("channel already in group")

	// ErrChannelMissing is returned when removing a channel the group
	// does not read.
	ErrChannelMissing = errors.New("channel not in group")
)

const (
	groupPrefix = "summary_group:"
	ownerPrefix = "user_summary_groups:"
)

// Group is a set of channels summarized together on an interval.
type Group struct {
	ID       string
	Owner    int64
	Name     string
	Prompt   string
	Channels []string
	Interval time.Duration

	// LastCheckAt is zero until the first run.
	LastCheckAt time.Time

	// Cursors hold the last summarized message id per channel.
	Cursors map[string]int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// groupJSON stores Interval as whole hours.
type groupJSON struct {
	ID          string           `json:"id"`
	Owner       int64            `json:"user_id"`
	Name        string           `json:"name"`
	Prompt      string           `json:"prompt"`
	Channels    []string         `json:"channel_ids"`
	Hours       int64            `json:"interval_hours"`
	LastCheckAt *time.Time       `json:"last_check_at"`
	Cursors     map[string]int64 `json:"last_message_ids"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (g Group) MarshalJSON() ([]byte, error) {
	j := groupJSON{
		ID: g.ID, Owner: g.Owner, Name: g.Name, Prompt: g.Prompt, Channels: g.Channels,
		Hours: int64(g.Interval / time.Hour), Cursors: g.Cursors,
		CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}
	if !g.LastCheckAt.IsZero() {
		t := g.LastCheckAt
		j.LastCheckAt = &t
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Group) UnmarshalJSON(data []byte) error {
	var j groupJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*g = Group{
		ID: j.ID, Owner: j.Owner, Name: j.Name, Prompt: j.Prompt, Channels: j.Channels,
		Interval: time.Duration(j.Hours) * time.Hour, Cursors: j.Cursors,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.LastCheckAt != nil {
		g.LastCheckAt = *j.LastCheckAt
	}
	return nil
}

// Due reports whether g should run at now.
func (g *Group) Due(now time.Time) bool {
	return g.LastCheckAt.IsZero() || now.Sub(g.LastCheckAt) >= g.Interval
}

// Store persists groups in a kv.Store with a per-owner index. Updates
// are read-modify-write, so they are serialized within the process.
type Store struct {
	kv  kv.Store
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a group store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: time.Now}
}

func ownerKey(owner int64) string {
	return ownerPrefix + strconv.FormatInt(owner, 10)
}

// Create saves a new group and returns it.
func (s *Store) Create(ctx context.Context, owner int64, name, prompt string, channels []string, interval time.Duration) (*Group, error) {
	now := s.now().UTC()
	g := &Group{
		ID:        uuid.New().String(),
		Owner:     owner,
		Name:      name,
		Prompt:    prompt,
		Channels:  channels,
		Interval:  interval,
		Cursors:   map[string]int64{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, g); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, ownerKey(owner), g.ID); err != nil {
		return nil, fmt.Errorf("index summary group %s: %w", g.ID, err)
	}
	return g, nil
}

func (s *Store) put(ctx context.Context, g *Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal summary group: %w", err)
	}
	if err := s.kv.Set(ctx, groupPrefix+g.ID, string(data)); err != nil {
		return fmt.Errorf("save summary group %s: %w", g.ID, err)
	}
	return nil
}

// Get loads a group. A missing one is ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Group, error) {
	raw, ok, err := s.kv.Get(ctx, groupPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load summary group %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var g Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("decode summary group %s: %w", id, err)
	}
	return &g, nil
}

// ListOwner returns owner's groups, newest first.
func (s *Store) ListOwner(ctx context.Context, owner int64) ([]*Group, error) {
	ids, err := s.kv.SMembers(ctx, ownerKey(owner))
	if err != nil {
		return nil, fmt.Errorf("list summary groups for %d: %w", owner, err)
	}
	return s.load(ctx, ids)
}

// ListAll returns every group, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Group, error) {
	keys, err := s.kv.Keys(ctx, groupPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan summary groups: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, groupPrefix))
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]*Group, error) {
	out := make([]*Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Delete removes one of owner's groups.
func (s *Store) Delete(ctx context.Context, owner int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, groupPrefix+g.ID); err != nil {
		return fmt.Errorf("delete summary group %s: %w", id, err)
	}
	if err := s.kv.SRem(ctx, ownerKey(owner), id); err != nil {
		return fmt.Errorf("unindex summary group %s: %w", id, err)
	}
	return nil
}

func (s *Store) owned(ctx context.Context, owner int64, id string) (*Group, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Owner != owner {
		return nil, ErrNotFound
	}
	return g, nil
}

// update applies fn to one of owner's groups and saves the result.
func (s *Store) update(ctx context.Context, owner int64, id string, fn func(g *Group) error) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	g.UpdatedAt = s.now().UTC()
	if err := s.put(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// AddChannel appends channel to the group.
func (s *Store) AddChannel(ctx context.Context, owner int64, id, channel string) (*Group, error) {
	return s.update(ctx, owner, id, func(g *Group) error {
		if slices.Contains(g.Channels, channel) {
			return ErrChannelPresent
		}
		g.Channels = append(g.Channels, channel)
		return nil
	})
}

// RemoveChannel drops channel and its cursor from the group.
func (s *Store) RemoveChannel(ctx context.Context, owner int64, id, channel string) (*Group, error) {
	return s.update(ctx, owner, id, func(g *Group) error {
		i := slices.Index(g.Channels, channel)
		if i < 0 {
			return ErrChannelMissing
		}
		g.Channels = slices.Delete(g.Channels, i, i+1)
		delete(g.Cursors, channel)
		return nil
	})
}

// SetInterval changes how often the group runs.
func (s *Store) SetInterval(ctx context.Context, owner int64, id string, interval time.Duration) (*Group, error) {
	return s.update(ctx, owner, id, func(g *Group) error {
		g.Interval = interval
		return nil
	})
}

// Checked records a run: the run time and the advanced cursors. A
// cursor never moves backwards.
func (s *Store) Checked(ctx context.Context, id string, at time.Time, cursors map[string]int64) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Cursors == nil {
		g.Cursors = map[string]int64{}
	}
	for ch, c := range cursors {
		if c > g.Cursors[ch] {
			g.Cursors[ch] = c
		}
	}
	g.LastCheckAt = at.UTC()
	g.UpdatedAt = s.now().UTC()
	if err := s.put(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}
