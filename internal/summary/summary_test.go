package summary

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/watcher"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	backend, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), time.Second, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return NewStore(backend)
}

// feed serves messages with ids above the cursor, up to last.
type feed struct {
	mu    sync.Mutex
	last  int64
	seen  []map[string]int64
	err   error
	title map[string]string
}

func (f *feed) Fetch(_ context.Context, _ int64, chats []string, cursors map[string]int64) ([]watcher.Item, map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]int64, len(cursors))
	for k, v := range cursors {
		cp[k] = v
	}
	f.seen = append(f.seen, cp)
	if f.err != nil {
		return nil, nil, f.err
	}
	var items []watcher.Item
	for _, chat := range chats {
		for id := cursors[chat] + 1; id <= f.last; id++ {
			items = append(items, watcher.Item{ID: id, ChatID: chat, ChatTitle: f.title[chat], Sender: "ann", Text: "news " + strconv.FormatInt(id, 10)})
		}
	}
	return items, nil, nil
}

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	systems []string
	reqs    []llm.Request
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.Request) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.systems = append(s.systems, req.Messages[0].Content)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	reply := "сводка"
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: reply}}, nil
}

type outbox struct {
	mu   sync.Mutex
	sent []string
}

func (o *outbox) send(_ context.Context, _ int64, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, text)
	return nil
}

func TestProcess_DeliversSummary(t *testing.T) {
	ctx := context.Background()
	src := &feed{last: 3, title: map[string]string{"-100": "Новости"}}
	model := &scriptedLLM{replies: []string{"  Главное за день  "}}
	out := &outbox{}
	svc := New(newStore(t), src, model, out.send, nil, Config{}, nil)

	g, err := svc.Create(ctx, 1, "Утро", "главные события", []string{"-100"}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g.Interval != 6*time.Hour {
		t.Errorf("default interval = %v", g.Interval)
	}
	if err := svc.Process(ctx, g); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.sent) != 1 || out.sent[0] != "📋 Саммари \"Утро\"\n\nГлавное за день" {
		t.Fatalf("sent = %q", out.sent)
	}
	if req := model.reqs[0]; req.Owner != 1 || req.Purpose != llm.PurposeDigest ||
		!strings.Contains(req.Messages[1].Content, "ann: news 3") {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(model.systems[0], "'Новости'") {
		t.Errorf("system prompt = %q", model.systems[0])
	}
}

func TestProcess_FailedGenerationStillAdvancesCursors(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := &feed{last: 5}
	model := &scriptedLLM{errs: []error{errors.New("provider down")}}
	out := &outbox{}
	svc := New(st, src, model, out.send, nil, Config{}, nil)

	g, _ := svc.Create(ctx, 1, "n", "p", []string{"chat"}, time.Hour)
	if err := svc.Process(ctx, g); err == nil {
		t.Fatal("Process succeeded despite generation error")
	}
	if len(out.sent) != 0 {
		t.Errorf("delivered %q after failed generation", out.sent)
	}

	g, _ = st.Get(ctx, g.ID)
	if g.Cursors["chat"] != 5 {
		t.Fatalf("cursor = %d, want 5", g.Cursors["chat"])
	}
	if g.LastCheckAt.IsZero() {
		t.Error("failed generation did not record the run")
	}

	// The next run starts after the skipped messages.
	if err := svc.Process(ctx, g); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if got := src.seen[1]["chat"]; got != 5 {
		t.Errorf("second fetch cursor = %d, want 5", got)
	}
	if len(model.reqs) != 1 {
		t.Errorf("llm calls = %d, want 1 (nothing new on second run)", len(model.reqs))
	}
}

func TestProcess_FetchErrorRecordsRunKeepsCursor(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := New(st, &feed{err: errors.New("not authorized")}, &scriptedLLM{}, (&outbox{}).send, nil, Config{}, nil)

	g, _ := svc.Create(ctx, 1, "n", "p", []string{"chat"}, time.Hour)
	if _, err := st.Checked(ctx, g.ID, time.Now().Add(-2*time.Hour), map[string]int64{"chat": 7}); err != nil {
		t.Fatal(err)
	}
	g, _ = st.Get(ctx, g.ID)
	if err := svc.Process(ctx, g); err == nil {
		t.Fatal("Process succeeded despite fetch error")
	}
	g, _ = st.Get(ctx, g.ID)
	if g.Cursors["chat"] != 7 {
		t.Errorf("cursor = %d, want 7", g.Cursors["chat"])
	}
	if g.Due(time.Now()) {
		t.Error("group still due right after a failed fetch")
	}
}

func TestSummarize_ChunksAndMerges(t *testing.T) {
	ctx := context.Background()
	model := &scriptedLLM{replies: []string{"часть 1", "часть 2", "итог"}}
	// Each line is "ann: news N" plus a newline, 12 runes, so two fit.
	svc := New(newStore(t), &feed{}, model, (&outbox{}).send, nil, Config{MaxChunkChars: 24}, nil)

	items := []watcher.Item{
		{ID: 1, ChatID: "c", Sender: "ann", Text: "news 1"},
		{ID: 2, ChatID: "c", Sender: "ann", Text: "news 2"},
		{ID: 3, ChatID: "c", Sender: "ann", Text: "news 3"},
	}
	got, err := svc.Summarize(ctx, 1, "кратко", items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "итог" {
		t.Errorf("summary = %q", got)
	}
	if len(model.reqs) != 3 {
		t.Fatalf("llm calls = %d, want 3", len(model.reqs))
	}
	if !strings.Contains(model.systems[0], "часть истории") || !strings.Contains(model.systems[2], "частичных сводок") {
		t.Errorf("systems = %q", model.systems)
	}
	if !strings.Contains(model.reqs[2].Messages[1].Content, "часть 1\n\n---\n\nчасть 2") {
		t.Errorf("merge input = %q", model.reqs[2].Messages[1].Content)
	}
}

func TestSummarize_ManyChannelsMergeFallback(t *testing.T) {
	ctx := context.Background()
	model := &scriptedLLM{
		replies: []string{"про A", "про B"},
		errs:    []error{nil, nil, errors.New("merge failed")},
	}
	svc := New(newStore(t), &feed{}, model, (&outbox{}).send, nil, Config{}, nil)

	items := []watcher.Item{
		{ID: 1, ChatID: "a", ChatTitle: "A", Text: "x"},
		{ID: 1, ChatID: "b", Text: "y"},
		{ID: 2, ChatID: "a", ChatTitle: "A", Text: "z"},
	}
	got, err := svc.Summarize(ctx, 1, "кратко", items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if want := "**A**:\nпро A\n\n---\n\n**b**:\nпро B"; got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
	if !strings.Contains(model.reqs[0].Messages[1].Content, "?: x\n?: z") {
		t.Errorf("channel A history = %q", model.reqs[0].Messages[1].Content)
	}
}

func TestSummarize_NothingNew(t *testing.T) {
	model := &scriptedLLM{}
	svc := New(newStore(t), &feed{}, model, (&outbox{}).send, nil, Config{}, nil)
	got, err := svc.Summarize(context.Background(), 1, "p", nil)
	if err != nil || got != "" || len(model.reqs) != 0 {
		t.Errorf("Summarize(nil) = %q, %v, calls %d", got, err, len(model.reqs))
	}
}

func TestTick_OnlyDueGroups(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := &feed{last: 1}
	out := &outbox{}
	svc := New(st, src, &scriptedLLM{}, out.send, nil, Config{}, nil)

	fresh, _ := svc.Create(ctx, 1, "fresh", "p", []string{"a"}, time.Hour)
	if _, err := st.Checked(ctx, fresh.ID, time.Now(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, 2, "new", "p", []string{"b"}, time.Hour); err != nil {
		t.Fatal(err)
	}

	svc.Tick(ctx)

	if len(src.seen) != 1 || len(out.sent) != 1 || !strings.Contains(out.sent[0], "\"new\"") {
		t.Errorf("fetches = %d, sent = %q", len(src.seen), out.sent)
	}
}

func TestGroups_EditAndOwnership(t *testing.T) {
	ctx := context.Background()
	svc := New(newStore(t), &feed{}, &scriptedLLM{}, (&outbox{}).send, nil, Config{}, nil)

	g, err := svc.Create(ctx, 1, "g", "p", []string{"a"}, 3*time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.AddChannel(ctx, 1, g.ID, "a"); !errors.Is(err, ErrChannelPresent) {
		t.Errorf("duplicate add err = %v", err)
	}
	if g, err = svc.AddChannel(ctx, 1, g.ID, "@b"); err != nil || strings.Join(g.Channels, ",") != "a,@b" {
		t.Fatalf("AddChannel = %+v, %v", g, err)
	}
	if g, err = svc.RemoveChannel(ctx, 1, g.ID, "a"); err != nil || strings.Join(g.Channels, ",") != "@b" {
		t.Fatalf("RemoveChannel = %+v, %v", g, err)
	}
	if _, err := svc.RemoveChannel(ctx, 1, g.ID, "a"); !errors.Is(err, ErrChannelMissing) {
		t.Errorf("missing remove err = %v", err)
	}
	if g, err = svc.SetInterval(ctx, 1, g.ID, 12*time.Hour); err != nil || g.Interval != 12*time.Hour {
		t.Fatalf("SetInterval = %+v, %v", g, err)
	}
	if _, err := svc.SetInterval(ctx, 1, g.ID, 48*time.Hour); !errors.Is(err, ErrInvalid) {
		t.Errorf("out of range interval err = %v", err)
	}

	if _, err := svc.AddChannel(ctx, 2, g.ID, "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign edit err = %v", err)
	}
	if err := svc.Delete(ctx, 2, g.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := svc.Delete(ctx, 1, g.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gs, _ := svc.List(ctx, 1); len(gs) != 0 {
		t.Errorf("groups after delete = %d", len(gs))
	}

	if _, err := svc.Create(ctx, 1, "", "p", []string{"a"}, 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("nameless group err = %v", err)
	}
}

func TestFormatSummary_FitsTelegramLimit(t *testing.T) {
	// Each emoji is two UTF-16 code units.
	msg := FormatSummary("g", strings.Repeat("😀", 3000))
	if n := len(utf16.Encode([]rune(msg))); n > maxMessage {
		t.Errorf("message is %d UTF-16 units, limit %d", n, maxMessage)
	}
	if !strings.HasSuffix(msg, "\n...") {
		t.Error("cut message lacks the marker")
	}
	if got := FormatSummary("", "x"); got != "📋 Саммари \"Без названия\"\n\nx" {
		t.Errorf("unnamed = %q", got)
	}
}
