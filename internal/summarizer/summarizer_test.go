package summarizer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aide/internal/conversation"
	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/prompts"
)

// mockLLMClient returns a canned summary and records the last request.
type mockLLMClient struct {
	reply string
	err   error
	calls atomic.Int64

	mu   sync.Mutex
	last llm.Request
}

func (m *mockLLMClient) Chat(_ context.Context, req llm.Request) (*llm.ChatResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: m.reply}}, nil
}

func newTestWorker(t *testing.T, client llm.Client, ttl time.Duration) (*Worker, *conversation.Store) {
	t.Helper()
	backend, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	history := conversation.NewStore(backend, conversation.Config{MaxMessages: 50, TTL: ttl}, nil)
	return New(backend, history, client, nil, nil, Config{}), history
}

func seed(t *testing.T, h *conversation.Store, owner int64, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.SetSystemMessage(ctx, owner, "sys"); err != nil {
		t.Fatalf("SetSystemMessage: %v", err)
	}
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		if err := h.Append(ctx, owner, llm.Message{Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

// lapse drops owner's inactivity marker as if it had expired.
func lapse(t *testing.T, w *Worker, owner int64) {
	t.Helper()
	if err := w.store.Delete(context.Background(), conversation.MarkerPrefix+strconv.FormatInt(owner, 10)); err != nil {
		t.Fatalf("Delete marker: %v", err)
	}
}

func TestSummarize_ReplacesHistory(t *testing.T) {
	client := &mockLLMClient{reply: "  Обсуждали задачи.  "}
	w, h := newTestWorker(t, client, time.Hour)
	seed(t, h, 5, 4)
	lapse(t, w, 5)

	w.Summarize(context.Background(), 5)

	msgs, _ := h.Get(context.Background(), 5)
	if len(msgs) != 2 || msgs[0].Content != "sys" {
		t.Fatalf("history = %+v", msgs)
	}
	if msgs[1].Content != conversation.SummaryPrefix+"Обсуждали задачи." {
		t.Errorf("summary = %q", msgs[1].Content)
	}

	client.mu.Lock()
	req := client.last
	client.mu.Unlock()
	if req.Temperature != 0.3 || req.MaxTokens != 200 || len(req.Tools) != 0 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[1].Content, "user: m0\nassistant: m1") {
		t.Errorf("transcript = %q", req.Messages[1].Content)
	}
}

func TestSummarize_ShortHistoryCleared(t *testing.T) {
	client := &mockLLMClient{reply: "x"}
	w, h := newTestWorker(t, client, time.Hour)
	seed(t, h, 5, 1)
	lapse(t, w, 5)

	w.Summarize(context.Background(), 5)

	msgs, _ := h.Get(context.Background(), 5)
	if len(msgs) != 0 {
		t.Errorf("history = %+v, want cleared", msgs)
	}
	if client.calls.Load() != 0 {
		t.Error("LLM called for a one-message history")
	}
}

func TestSummarize_SkipsWhenActiveAgain(t *testing.T) {
	client := &mockLLMClient{reply: "x"}
	w, h := newTestWorker(t, client, time.Hour)
	seed(t, h, 5, 4)

	// The marker expired, then the owner wrote again before the worker
	// got the lock.
	lapse(t, w, 5)
	if err := h.Append(context.Background(), 5, llm.Message{Role: llm.RoleUser, Content: "ещё вопрос"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w.Summarize(context.Background(), 5)

	msgs, _ := h.Get(context.Background(), 5)
	if conversation.Collapsed(msgs) || len(msgs) != 6 {
		t.Errorf("history = %+v, want untouched", msgs)
	}
	if client.calls.Load() != 0 {
		t.Error("LLM called for an active conversation")
	}
}

func TestSummarize_Fallbacks(t *testing.T) {
	tests := []struct {
		name   string
		client *mockLLMClient
		want   string
	}{
		{name: "error", client: &mockLLMClient{err: fmt.Errorf("llm unavailable")}, want: prompts.SummaryFallback},
		{name: "empty", client: &mockLLMClient{reply: "  "}, want: prompts.SummaryEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := newTestWorker(t, tt.client, time.Hour)
			seed(t, h, 9, 3)
			lapse(t, w, 9)
			w.Summarize(context.Background(), 9)
			msgs, _ := h.Get(context.Background(), 9)
			if got := msgs[len(msgs)-1].Content; got != conversation.SummaryPrefix+tt.want {
				t.Errorf("summary = %q", got)
			}
		})
	}
}

func TestBuildTranscript(t *testing.T) {
	var msgs []llm.Message
	for i := 0; i < 25; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("%02d%s", i, strings.Repeat("я", 600))})
	}
	got := buildTranscript(msgs, 20, 500)
	lines := strings.Split(got, "\n")
	if len(lines) != 20 {
		t.Fatalf("lines = %d, want 20", len(lines))
	}
	if !strings.HasPrefix(lines[0], "user: 05") {
		t.Errorf("first line = %.20q, want message 05", lines[0])
	}
	if n := len([]rune(strings.TrimPrefix(lines[0], "user: "))); n != 500 {
		t.Errorf("line length = %d runes, want 500", n)
	}
}

func TestWorker_SummarizesOnMarkerExpiry(t *testing.T) {
	client := &mockLLMClient{reply: "Итог."}
	w, h := newTestWorker(t, client, 50*time.Millisecond)
	seed(t, h, 77, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _ := h.Get(context.Background(), 77)
		if conversation.Collapsed(msgs) && len(msgs) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("conversation not summarized after marker expiry")
}
