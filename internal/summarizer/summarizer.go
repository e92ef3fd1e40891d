// Package summarizer provides a background worker that collapses idle
// conversations into a short summary. It wakes when an owner's
// inactivity marker expires, so a conversation is summarized once the
// owner has been quiet for the configured window.
//
// Summarization never fails outward: a model error leaves a generic
// summary in place of the history.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/aide/internal/conversation"
	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/prompts"
)

// Config controls the summarizer worker behavior.
type Config struct {
	// Model is the model used for summaries.
	Model string

	// MaxMessages is how many of the newest non-system messages make
	// it into the transcript. Default: 20.
	MaxMessages int

	// MaxChars truncates each message in the transcript. Default: 500.
	MaxChars int

	// Temperature and MaxTokens shape the summary call.
	// Defaults: 0.3 and 200.
	Temperature float64
	MaxTokens   int

	// Timeout per summarization LLM call. Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns defaults for the summarizer worker.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 20,
		MaxChars:    500,
		Temperature: 0.3,
		MaxTokens:   200,
		Timeout:     60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Worker reacts to inactivity-marker expirations.
type Worker struct {
	store     kv.Store
	history   *conversation.Store
	llmClient llm.Client
	bus       *events.Bus
	logger    *slog.Logger
	config    Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a summarizer worker. Call Start to begin processing.
func New(store kv.Store, history *conversation.Store, llmClient llm.Client, bus *events.Bus, logger *slog.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Worker{
		store:     store,
		history:   history,
		llmClient: llmClient,
		bus:       bus,
		logger:    logger.With("component", "summarizer"),
		config:    cfg,
		done:      make(chan struct{}),
	}
}

// Start subscribes to expirations and begins the worker. It first
// catches up on conversations whose marker lapsed while the process
// was down.
func (w *Worker) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	expired, err := w.store.Expirations(workerCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to expirations: %w", err)
	}
	w.cancel = cancel
	go w.run(workerCtx, expired)
	return nil
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context, expired <-chan string) {
	defer close(w.done)

	idle, err := w.history.Idle(ctx)
	if err != nil {
		w.logger.Error("failed to scan for idle conversations", "error", err)
	} else if len(idle) > 0 {
		w.logger.Info("summarizing conversations idle since before start", "count", len(idle))
		for _, owner := range idle {
			if ctx.Err() != nil {
				return
			}
			w.Summarize(ctx, owner)
		}
	}

	w.logger.Info("summarizer started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("summarizer stopped")
			return
		case key, ok := <-expired:
			if !ok {
				w.logger.Info("expiration feed closed, summarizer stopped")
				return
			}
			owner, ok := conversation.OwnerFromMarker(key)
			if !ok {
				continue
			}
			w.Summarize(ctx, owner)
		}
	}
}

// Summarize collapses owner's history. Fewer than two non-system
// messages are not worth a summary and the history is cleared instead.
// An already collapsed history, or one whose owner wrote again before
// the lock was taken, is left alone.
func (w *Worker) Summarize(ctx context.Context, owner int64) {
	unlock := w.history.Lock(owner)
	defer unlock()

	log := w.logger.With("owner", owner)

	active, err := w.history.Active(ctx, owner)
	if err != nil {
		log.Error("failed to check inactivity marker", "error", err)
		return
	}
	if active {
		log.Debug("conversation active again, not summarizing")
		return
	}

	history, err := w.history.Get(ctx, owner)
	if err != nil {
		log.Error("failed to load history", "error", err)
		return
	}
	if conversation.Collapsed(history) {
		return
	}

	var body []llm.Message
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			body = append(body, m)
		}
	}

	if len(body) < 2 {
		if err := w.history.Clear(ctx, owner); err != nil {
			log.Error("failed to clear short history", "error", err)
			return
		}
		log.Debug("cleared short history", "messages", len(body))
		return
	}

	summary := w.generate(ctx, log, owner, body)
	if err := w.history.ReplaceWithSummary(ctx, owner, summary); err != nil {
		log.Error("failed to store summary", "error", err)
		return
	}

	log.Info("conversation summarized", "messages", len(body), "summary_len", len(summary))
	w.bus.Emit(events.SourceSummarizer, events.KindSummarized, map[string]any{
		"owner":    owner,
		"messages": len(body),
	})
}

func (w *Worker) generate(ctx context.Context, log *slog.Logger, owner int64, body []llm.Message) string {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	system, user := prompts.SummaryPrompt(buildTranscript(body, w.config.MaxMessages, w.config.MaxChars))
	resp, err := w.llmClient.Chat(ctx, llm.Request{
		Model: w.config.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: w.config.Temperature,
		MaxTokens:   w.config.MaxTokens,
		Owner:       owner,
		Purpose:     llm.PurposeSummary,
	})
	if err != nil {
		log.Warn("summary generation failed, using fallback", "error", err)
		return prompts.SummaryFallback
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return prompts.SummaryEmpty
	}
	return summary
}

// buildTranscript renders the newest max messages as "role: content"
// lines, each content cut to maxChars runes.
func buildTranscript(msgs []llm.Message, max, maxChars int) string {
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+truncate(m.Content, maxChars))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
