// Package watcher forwards chat messages that match an owner's
// criterion. Each watcher is checked on its own interval: new messages
// since the per-chat cursors are fetched, the cursors advance, and an
// LLM picks the matching messages out in batches.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/prompts"
)

// SendFunc delivers text to an owner.
type SendFunc func(ctx context.Context, owner int64, text string) error

// Config tunes the watcher service.
type Config struct {
	// TickInterval is how often watchers are checked for being due.
	TickInterval time.Duration

	// DefaultInterval applies to watchers created without one.
	DefaultInterval time.Duration

	// MaxBatchChars bounds the message text sent in one filter call.
	MaxBatchChars int

	Model       string
	Temperature float64

	// Timeout bounds the processing of one watcher.
	Timeout time.Duration
}

// DefaultConfig returns watcher defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    10800 * time.Second,
		DefaultInterval: 10800 * time.Second,
		MaxBatchChars:   16000,
		Temperature:     0.3,
		Timeout:         5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = d.DefaultInterval
	}
	if c.MaxBatchChars <= 0 {
		c.MaxBatchChars = d.MaxBatchChars
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// maxMessage is Telegram's per-message limit.
const maxMessage = 4096

// Service checks watchers on a ticker.
type Service struct {
	store  *Store
	source Source
	llm    llm.Client
	send   SendFunc
	bus    *events.Bus
	config Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher service. Call Start to begin ticking.
func New(store *Store, source Source, client llm.Client, send SendFunc, bus *events.Bus, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Service{
		store:  store,
		source: source,
		llm:    client,
		send:   send,
		bus:    bus,
		config: cfg,
		logger: logger.With("component", "watcher"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start runs a tick immediately and then every TickInterval.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("watcher service started", "tick", s.config.TickInterval)
}

// Stop cancels the loop and waits for an in-flight tick.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("watcher service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.TickInterval):
		}
	}
}

// Tick processes every watcher that is due. A failing watcher is
// logged and does not stop the others.
func (s *Service) Tick(ctx context.Context) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.logger.Error("failed to list watchers", "error", err)
		return
	}
	now := s.now()
	for _, w := range all {
		if ctx.Err() != nil {
			return
		}
		if !w.Due(now) {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		err := s.Process(pctx, w)
		cancel()
		if err != nil {
			s.logger.Error("watcher check failed", "watcher", w.ID, "owner", w.Owner, "error", err)
		}
	}
}

// Process checks one watcher: fetch, advance cursors, filter, deliver.
// Cursors advance before filtering so a failed filter or send never
// causes the same messages to be fetched again.
func (s *Service) Process(ctx context.Context, w *Watcher) error {
	log := s.logger.With("watcher", w.ID, "owner", w.Owner)

	items, cursors, err := s.source.Fetch(ctx, w.Owner, w.ChatIDs, w.Cursors)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if cursors == nil {
		cursors = map[string]int64{}
	}
	for _, it := range items {
		if it.ChatID != "" && it.ID > cursors[it.ChatID] {
			cursors[it.ChatID] = it.ID
		}
	}
	if _, err := s.store.Checked(ctx, w.ID, s.now(), cursors); err != nil {
		return fmt.Errorf("save cursors: %w", err)
	}

	matched := s.filter(ctx, log, w.Owner, items, w.Prompt)
	s.bus.Emit(events.SourceWatcher, events.KindWatcherChecked, map[string]any{
		"owner":      w.Owner,
		"watcher_id": w.ID,
		"fetched":    len(items),
		"matched":    len(matched),
	})
	if len(matched) == 0 {
		log.Info("watcher checked, nothing matched", "fetched", len(items))
		return nil
	}

	if err := s.send(ctx, w.Owner, FormatResults(w.Name, matched)); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	log.Info("watcher results delivered", "fetched", len(items), "matched", len(matched))
	return nil
}

func itemLine(it Item) string {
	text := strings.ReplaceAll(it.Text, "\n", " ")
	return fmt.Sprintf("[%s] %s: %s (%s)", orUnknown(it.ChatTitle), orUnknown(it.Sender), text, it.Date)
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

// batches splits line indexes so each batch's text stays within max
// characters. A single oversized line forms its own batch.
func batches(lines []string, max int) [][]int {
	var out [][]int
	var cur []int
	size := 0
	for i, l := range lines {
		n := utf8.RuneCountInString(l)
		if size+n > max && len(cur) > 0 {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, i)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// filter asks the model which items match criterion. A failed batch
// matches nothing.
func (s *Service) filter(ctx context.Context, log *slog.Logger, owner int64, items []Item, criterion string) []Item {
	if len(items) == 0 {
		return nil
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = itemLine(it)
	}

	var matched []Item
	for _, batch := range batches(lines, s.config.MaxBatchChars) {
		batchLines := make([]string, len(batch))
		for i, idx := range batch {
			batchLines[i] = lines[idx]
		}
		system, user := prompts.WatcherFilterPrompt(criterion, batchLines)
		resp, err := s.llm.Chat(ctx, llm.Request{
			Model: s.config.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: system},
				{Role: llm.RoleUser, Content: user},
			},
			Temperature: s.config.Temperature,
			Owner:       owner,
			Purpose:     llm.PurposeWatcher,
		})
		if err != nil {
			log.Error("filter batch failed", "size", len(batch), "error", err)
			continue
		}
		picks, err := ParseIndices(resp.Message.Content, len(batch))
		if err != nil {
			log.Warn("unparseable filter reply", "error", err)
			continue
		}
		for _, n := range picks {
			matched = append(matched, items[batch[n-1]])
		}
	}
	return matched
}

// ParseIndices reads the model's JSON array of 1-based numbers. Prose
// around the array is ignored by taking the first '[' to the last ']'.
// Numbers outside 1..n and duplicates are dropped.
func ParseIndices(content string, n int) ([]int, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	if !strings.HasPrefix(content, "[") {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start == -1 || end < start {
			return nil, errors.New("no JSON array in reply")
		}
		content = content[start : end+1]
	}
	var raw []any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode indices: %w", err)
	}
	seen := make(map[int]bool, len(raw))
	var out []int
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) {
			continue
		}
		i := int(f)
		if i < 1 || i > n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out, nil
}

// FormatResults renders matched items as one message, cut to fit.
func FormatResults(name string, items []Item) string {
	parts := []string{fmt.Sprintf("🔍 Мониторинг \"%s\"\nНайдено %d сообщений:\n", name, len(items))}
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("📌 [%s] %s: %s\n   %s", orUnknown(it.ChatTitle), orUnknown(it.Sender), it.Text, it.Date))
	}
	text := strings.Join(parts, "\n\n")
	if utf8.RuneCountInString(text) > maxMessage {
		r := []rune(text)
		text = string(r[:maxMessage-6]) + "\n..."
	}
	return text
}
