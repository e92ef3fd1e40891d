// Package conversation keeps the bounded chat history for each owner.
//
// History and the inactivity marker are separate keys. The history has
// no TTL and survives until it is cleared or summarized; the marker is
// refreshed on every mutation and its expiry is what wakes the
// summarizer.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
)

// Key prefixes.
const (
	HistoryPrefix = "conversation:"
	MarkerPrefix  = "conversation_ttl:"
)

// SummaryPrefix marks the assistant message that replaces a summarized
// history.
const SummaryPrefix = "[Краткое содержание предыдущего диалога]\n"

// Config bounds stored history.
type Config struct {
	MaxMessages int
	TTL         time.Duration // inactivity window
}

// DefaultConfig returns the history cap and inactivity window.
func DefaultConfig() Config {
	return Config{MaxMessages: 50, TTL: 3 * time.Hour}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
}

// Store persists conversations in a kv.Store.
type Store struct {
	kv     kv.Store
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStore creates a conversation store.
func NewStore(store kv.Store, cfg Config, logger *slog.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     store,
		config: cfg,
		logger: logger.With("component", "conversation"),
		locks:  make(map[int64]*sync.Mutex),
	}
}

func historyKey(owner int64) string { return HistoryPrefix + strconv.FormatInt(owner, 10) }
func markerKey(owner int64) string  { return MarkerPrefix + strconv.FormatInt(owner, 10) }

// OwnerFromMarker extracts the owner id from an expired marker key.
func OwnerFromMarker(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, MarkerPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Lock serializes whole turns for one owner. Call the returned func to
// release.
func (s *Store) Lock(owner int64) func() {
	s.mu.Lock()
	l, ok := s.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		s.locks[owner] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the owner's messages in order, empty if none.
func (s *Store) Get(ctx context.Context, owner int64) ([]llm.Message, error) {
	raw, ok, err := s.kv.Get(ctx, historyKey(owner))
	if err != nil {
		return nil, fmt.Errorf("load history for %d: %w", owner, err)
	}
	if !ok || raw == "" {
		return []llm.Message{}, nil
	}
	var msgs []llm.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		// A corrupt history is dropped rather than wedging the owner.
		s.logger.Warn("discarding unreadable history", "owner", owner, "error", err)
		return []llm.Message{}, nil
	}
	return msgs, nil
}

// Append adds messages to the end of the history, evicts the oldest
// non-system messages beyond the cap and refreshes the inactivity
// marker.
func (s *Store) Append(ctx context.Context, owner int64, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	history, err := s.Get(ctx, owner)
	if err != nil {
		return err
	}
	history = append(history, msgs...)
	history = trim(history, s.config.MaxMessages)
	if err := s.save(ctx, owner, history); err != nil {
		return err
	}
	return s.touch(ctx, owner)
}

// SetSystemMessage makes content the only system message, at index 0.
// It reports whether anything changed; an identical prompt is not
// rewritten.
func (s *Store) SetSystemMessage(ctx context.Context, owner int64, content string) (bool, error) {
	history, err := s.Get(ctx, owner)
	if err != nil {
		return false, err
	}
	if len(history) > 0 && history[0].Role == llm.RoleSystem && history[0].Content == content {
		dup := false
		for _, m := range history[1:] {
			if m.Role == llm.RoleSystem {
				dup = true
				break
			}
		}
		if !dup {
			return false, nil
		}
	}

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: content})
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	out = trim(out, s.config.MaxMessages)
	if err := s.save(ctx, owner, out); err != nil {
		return false, err
	}
	return true, s.touch(ctx, owner)
}

// ReplaceWithSummary keeps the system message and replaces everything
// else with a single assistant message carrying summary. The
// inactivity marker is left alone.
func (s *Store) ReplaceWithSummary(ctx context.Context, owner int64, summary string) error {
	history, err := s.Get(ctx, owner)
	if err != nil {
		return err
	}
	out := make([]llm.Message, 0, 2)
	if sys, ok := SystemMessage(history); ok {
		out = append(out, sys)
	}
	out = append(out, llm.Message{Role: llm.RoleAssistant, Content: SummaryPrefix + summary})
	return s.save(ctx, owner, out)
}

// Clear deletes the history and the inactivity marker.
func (s *Store) Clear(ctx context.Context, owner int64) error {
	if err := s.kv.Delete(ctx, historyKey(owner), markerKey(owner)); err != nil {
		return fmt.Errorf("clear history for %d: %w", owner, err)
	}
	return nil
}

// Active reports whether owner's inactivity marker is still live.
func (s *Store) Active(ctx context.Context, owner int64) (bool, error) {
	_, live, err := s.kv.Get(ctx, markerKey(owner))
	if err != nil {
		return false, fmt.Errorf("check marker for %d: %w", owner, err)
	}
	return live, nil
}

// Idle returns the owners whose history outlived its inactivity
// marker without being summarized, such as markers that expired while
// the process was down.
func (s *Store) Idle(ctx context.Context) ([]int64, error) {
	keys, err := s.kv.Keys(ctx, HistoryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	var owners []int64
	for _, key := range keys {
		owner, err := strconv.ParseInt(strings.TrimPrefix(key, HistoryPrefix), 10, 64)
		if err != nil {
			continue
		}
		live, err := s.Active(ctx, owner)
		if err != nil {
			return nil, err
		}
		if live {
			continue
		}
		history, err := s.Get(ctx, owner)
		if err != nil {
			return nil, err
		}
		if !Collapsed(history) {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

// Collapsed reports whether history holds nothing but the system
// message and a summary.
func Collapsed(history []llm.Message) bool {
	body := history
	if _, ok := SystemMessage(history); ok {
		body = history[1:]
	}
	switch len(body) {
	case 0:
		return true
	case 1:
		return body[0].Role == llm.RoleAssistant && strings.HasPrefix(body[0].Content, SummaryPrefix)
	}
	return false
}

// SystemMessage returns the system message of history, if any.
func SystemMessage(history []llm.Message) (llm.Message, bool) {
	if len(history) > 0 && history[0].Role == llm.RoleSystem {
		return history[0], true
	}
	return llm.Message{}, false
}

func (s *Store) save(ctx context.Context, owner int64, msgs []llm.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := s.kv.Set(ctx, historyKey(owner), string(data)); err != nil {
		return fmt.Errorf("save history for %d: %w", owner, err)
	}
	return nil
}

func (s *Store) touch(ctx context.Context, owner int64) error {
	if err := s.kv.SetEX(ctx, markerKey(owner), "1", s.config.TTL); err != nil {
		return fmt.Errorf("refresh inactivity marker for %d: %w", owner, err)
	}
	return nil
}

// trim evicts the oldest non-system messages until len(msgs) <= max.
// Tool results left at the head without the assistant turn that asked
// for them are evicted too; providers reject such histories.
func trim(msgs []llm.Message, max int) []llm.Message {
	sys, hasSys := SystemMessage(msgs)
	body := msgs
	if hasSys {
		body = msgs[1:]
		max--
	}
	if max < 0 {
		max = 0
	}
	evicted := false
	if len(body) > max {
		body = body[len(body)-max:]
		evicted = true
	}
	if evicted {
		for len(body) > 0 && body[0].Role == llm.RoleTool {
			body = body[1:]
		}
	}

	out := make([]llm.Message, 0, len(body)+1)
	if hasSys {
		out = append(out, sys)
	}
	return append(out, body...)
}
