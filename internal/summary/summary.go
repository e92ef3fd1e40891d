// Package summary sends owners periodic digests of the channels they
// group together. Each group runs on its own interval: messages newer
// than the per-channel cursors are fetched, the cursors advance, and a
// model condenses the new history following the group's prompt.
// Histories too long for one call are summarized in chunks and merged.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/prompts"
	"github.com/nugget/aide/internal/watcher"
)

// SendFunc delivers text to an owner.
type SendFunc func(ctx context.Context, owner int64, text string) error

// Interval bounds for a group.
const (
	MinInterval = time.Hour
	MaxInterval = 24 * time.Hour
)

// Config tunes the summary service.
type Config struct {
	// TickInterval is how often groups are checked for being due.
	TickInterval time.Duration

	// DefaultInterval applies to groups created without one.
	DefaultInterval time.Duration

	// MaxChunkChars bounds the history sent in one model call.
	MaxChunkChars int

	Model       string
	Temperature float64

	// Timeout bounds the processing of one group.
	Timeout time.Duration
}

// DefaultConfig returns summary defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Minute,
		DefaultInterval: 6 * time.Hour,
		MaxChunkChars:   24000,
		Temperature:     0.3,
		Timeout:         10 * time.Minute,
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
	if c.MaxChunkChars <= 0 {
		c.MaxChunkChars = d.MaxChunkChars
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// maxMessage is Telegram's per-message limit in UTF-16 code units.
const maxMessage = 4096

// Service runs summary groups on a ticker.
type Service struct {
	store  *Store
	source watcher.Source
	llm    llm.Client
	send   SendFunc
	bus    *events.Bus
	config Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a summary service reading channels through source. Call
// Start to begin ticking.
func New(store *Store, source watcher.Source, client llm.Client, send SendFunc, bus *events.Bus, cfg Config, logger *slog.Logger) *Service {
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
		logger: logger.With("component", "digest"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start runs a tick immediately and then every TickInterval.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("summary service started", "tick", s.config.TickInterval)
}

// Stop cancels the loop and waits for an in-flight tick.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("summary service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs every group that is due. A failing group is logged and
// does not stop the others.
func (s *Service) Tick(ctx context.Context) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.logger.Error("failed to list summary groups", "error", err)
		return
	}
	now := s.now()
	for _, g := range all {
		if ctx.Err() != nil {
			return
		}
		if !g.Due(now) {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		err := s.Process(pctx, g)
		cancel()
		if err != nil {
			s.logger.Error("summary group failed", "group", g.ID, "owner", g.Owner, "error", err)
		}
	}
}

// Process runs one group: fetch, advance cursors, summarize, deliver.
// The run is recorded even when the fetch fails so a broken source is
// retried on the group's interval rather than every tick. Cursors
// advance before generation; a failed generation skips those messages.
func (s *Service) Process(ctx context.Context, g *Group) error {
	log := s.logger.With("group", g.ID, "owner", g.Owner)
	if len(g.Channels) == 0 {
		log.Info("summary group has no channels, skipping")
		return nil
	}

	items, cursors, err := s.source.Fetch(ctx, g.Owner, g.Channels, g.Cursors)
	if err != nil {
		if _, cerr := s.store.Checked(ctx, g.ID, s.now(), nil); cerr != nil {
			log.Warn("failed to record summary run", "error", cerr)
		}
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
	if _, err := s.store.Checked(ctx, g.ID, s.now(), cursors); err != nil {
		return fmt.Errorf("save cursors: %w", err)
	}

	text, err := s.Summarize(ctx, g.Owner, g.Prompt, items)
	s.bus.Emit(events.SourceDigest, events.KindDigestChecked, map[string]any{
		"owner":     g.Owner,
		"group_id":  g.ID,
		"fetched":   len(items),
		"delivered": err == nil && strings.TrimSpace(text) != "",
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		log.Info("nothing new to summarize", "fetched", len(items))
		return nil
	}

	if err := s.send(ctx, g.Owner, FormatSummary(g.Name, text)); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	log.Info("summary delivered", "fetched", len(items))
	return nil
}

// channelHistory is one channel's new messages as "sender: text" lines.
type channelHistory struct {
	name  string
	lines []string
}

// byChannel groups items per channel in order of first appearance.
func byChannel(items []watcher.Item) []channelHistory {
	var out []channelHistory
	index := map[string]int{}
	for _, it := range items {
		i, ok := index[it.ChatID]
		if !ok {
			name := it.ChatTitle
			if name == "" {
				name = it.ChatID
			}
			i = len(out)
			index[it.ChatID] = i
			out = append(out, channelHistory{name: name})
		}
		sender := it.Sender
		if sender == "" {
			sender = "?"
		}
		out[i].lines = append(out[i].lines, sender+": "+strings.ReplaceAll(it.Text, "\n", " "))
	}
	return out
}

// Summarize condenses items following task. No items give an empty
// summary. With several channels each is summarized on its own and the
// results are merged; if that merge fails the per-channel summaries are
// returned as they are.
func (s *Service) Summarize(ctx context.Context, owner int64, task string, items []watcher.Item) (string, error) {
	channels := byChannel(items)
	switch len(channels) {
	case 0:
		return "", nil
	case 1:
		return s.summarizeChannel(ctx, owner, task, channels[0])
	}

	parts := make([]string, 0, len(channels))
	for _, ch := range channels {
		text, err := s.summarizeChannel(ctx, owner, task, ch)
		if err != nil {
			return "", fmt.Errorf("channel %s: %w", ch.name, err)
		}
		parts = append(parts, fmt.Sprintf("**%s**:\n%s", ch.name, text))
	}
	combined := strings.Join(parts, "\n\n---\n\n")

	system, user := prompts.DigestChannelsPrompt(task, combined)
	merged, err := s.complete(ctx, owner, system, user)
	if err != nil {
		s.logger.Warn("summary merge failed, sending per-channel summaries", "owner", owner, "error", err)
		return combined, nil
	}
	return merged, nil
}

func (s *Service) summarizeChannel(ctx context.Context, owner int64, task string, ch channelHistory) (string, error) {
	chunks := chunkLines(ch.lines, s.config.MaxChunkChars)
	if len(chunks) == 1 {
		system, user := prompts.DigestChannelPrompt(ch.name, task, chunks[0], false)
		return s.complete(ctx, owner, system, user)
	}

	s.logger.Debug("summarizing in chunks", "channel", ch.name, "chunks", len(chunks))
	partial := make([]string, 0, len(chunks))
	for _, c := range chunks {
		system, user := prompts.DigestChannelPrompt(ch.name, task, c, true)
		text, err := s.complete(ctx, owner, system, user)
		if err != nil {
			return "", err
		}
		partial = append(partial, text)
	}
	system, user := prompts.DigestMergePrompt(ch.name, task, strings.Join(partial, "\n\n---\n\n"))
	return s.complete(ctx, owner, system, user)
}

func (s *Service) complete(ctx context.Context, owner int64, system, user string) (string, error) {
	resp, err := s.llm.Chat(ctx, llm.Request{
		Model: s.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: s.config.Temperature,
		Owner:       owner,
		Purpose:     llm.PurposeDigest,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// chunkLines joins lines with newlines into chunks of at most max
// characters. A single oversized line forms its own chunk.
func chunkLines(lines []string, max int) []string {
	var out []string
	var cur []string
	size := 0
	for _, l := range lines {
		n := len([]rune(l)) + 1
		if size+n > max && len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur, size = nil, 0
		}
		cur = append(cur, l)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

// FormatSummary renders a group's summary as one message, cut to fit.
func FormatSummary(name, text string) string {
	if name == "" {
		name = "Без названия"
	}
	return truncate(fmt.Sprintf("📋 Саммари \"%s\"\n\n%s", name, text), maxMessage)
}

// truncate cuts s to at most max UTF-16 code units, marking the cut.
func truncate(s string, max int) string {
	const mark = "\n..."
	if len(utf16.Encode([]rune(s))) <= max {
		return s
	}
	budget := max - len(mark)
	var sb strings.Builder
	for _, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if budget < n {
			break
		}
		budget -= n
		sb.WriteRune(r)
	}
	return sb.String() + mark
}
