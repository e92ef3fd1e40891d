package usage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
)

func newLedger(t *testing.T, pricing map[string]config.PricingEntry) *Ledger {
	t.Helper()
	s, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLedger(s, pricing, 0, nil)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeCost(t *testing.T) {
	pricing := map[string]config.PricingEntry{
		"grok-3": {InputPerMillion: 3, OutputPerMillion: 15},
	}
	if got := ComputeCost("grok-3", 1_000_000, 100_000, pricing); !approx(got, 4.5) {
		t.Errorf("ComputeCost = %v, want 4.5", got)
	}
	if got := ComputeCost("local", 5000, 5000, pricing); got != 0 {
		t.Errorf("unpriced model cost = %v, want 0", got)
	}
}

func TestLedger_AddAndReport(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, map[string]config.PricingEntry{
		"grok-3": {InputPerMillion: 2, OutputPerMillion: 10},
	})
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	adds := []Record{
		{Timestamp: day, Owner: 1, Model: "grok-3", Purpose: llm.PurposeTurn, InputTokens: 1000, OutputTokens: 100},
		{Timestamp: day.Add(time.Hour), Owner: 1, Model: "grok-3", Purpose: llm.PurposeTurn, InputTokens: 2000, OutputTokens: 200},
		{Timestamp: day, Owner: 1, Model: "grok-3", Purpose: llm.PurposeSummary, InputTokens: 500, OutputTokens: 50},
		{Timestamp: day, Owner: 2, Model: "grok-3-mini", Purpose: llm.PurposeTurn, InputTokens: 300, OutputTokens: 30},
		{Timestamp: day.AddDate(0, 0, 1), Owner: 1, Model: "grok-3", InputTokens: 10, OutputTokens: 1},
	}
	for _, rec := range adds {
		if err := l.Add(ctx, rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	rep, err := l.Report(ctx, 1, day, day)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rep.Total.Calls != 3 || rep.Total.InputTokens != 3500 || rep.Total.OutputTokens != 350 {
		t.Errorf("owner 1 total = %+v", rep.Total)
	}
	wantCost := 3500.0/1e6*2 + 350.0/1e6*10
	if !approx(rep.Total.CostUSD, wantCost) {
		t.Errorf("owner 1 cost = %v, want %v", rep.Total.CostUSD, wantCost)
	}
	if rep.ByPurpose[llm.PurposeSummary].Calls != 1 || rep.ByPurpose[llm.PurposeTurn].Calls != 2 {
		t.Errorf("by purpose = %+v", rep.ByPurpose)
	}

	all, err := l.Report(ctx, 0, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Report all: %v", err)
	}
	if all.Total.Calls != 5 {
		t.Errorf("all calls = %d, want 5", all.Total.Calls)
	}
	if all.ByModel["grok-3-mini"].Tokens() != 330 {
		t.Errorf("grok-3-mini = %+v", all.ByModel["grok-3-mini"])
	}
	if all.ByPurpose["other"].Calls != 1 {
		t.Errorf("empty purpose not reported as other: %+v", all.ByPurpose)
	}
}

func TestLedger_ReportEmptyRange(t *testing.T) {
	l := newLedger(t, nil)
	rep, err := l.Report(context.Background(), 7, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rep.Total != (Summary{}) || len(rep.ByModel) != 0 {
		t.Errorf("empty report = %+v", rep)
	}
}

type stubClient struct {
	resp *llm.ChatResponse
	err  error
}

func (s *stubClient) Chat(context.Context, llm.Request) (*llm.ChatResponse, error) {
	return s.resp, s.err
}

func TestMeter_RecordsSuccessfulCalls(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok := NewMeter(&stubClient{resp: &llm.ChatResponse{InputTokens: 40, OutputTokens: 4}}, l, nil)
	if _, err := ok.Chat(ctx, llm.Request{Model: "grok-3", Owner: 9, Purpose: llm.PurposeTurn}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	boom := errors.New("boom")
	failing := NewMeter(&stubClient{err: boom}, l, nil)
	if _, err := failing.Chat(ctx, llm.Request{Model: "grok-3", Owner: 9}); !errors.Is(err, boom) {
		t.Fatalf("Chat err = %v, want boom", err)
	}

	rep, err := l.Today(ctx)
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if rep.Total.Calls != 1 || rep.Total.Tokens() != 44 {
		t.Errorf("today = %+v, want one call of 44 tokens", rep.Total)
	}
	if _, ok := rep.ByModel["grok-3"]; !ok {
		t.Errorf("request model not used when response omits it: %+v", rep.ByModel)
	}
}
