// Package usage keeps a ledger of LLM token usage and cost. Calls are
// accounted into one bucket per owner per UTC day, so reports over a
// date range stay cheap on both kv backends.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/kv"
)

const (
	keyPrefix = "usage:"
	dayLayout = "2006-01-02"
)

// Summary is an aggregate over some set of calls.
type Summary struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (s *Summary) add(o Summary) {
	s.Calls += o.Calls
	s.InputTokens += o.InputTokens
	s.OutputTokens += o.OutputTokens
	s.CostUSD += o.CostUSD
}

// Tokens is the input plus output token count.
func (s Summary) Tokens() int64 { return s.InputTokens + s.OutputTokens }

// Record is one completed model call.
type Record struct {
	Timestamp    time.Time
	Owner        int64
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
}

// Report aggregates a date range.
type Report struct {
	Total     Summary            `json:"total"`
	ByModel   map[string]Summary `json:"by_model"`
	ByPurpose map[string]Summary `json:"by_purpose"`
}

// bucket is one owner's day: model -> purpose -> totals.
type bucket map[string]map[string]Summary

// Ledger accumulates usage in the kv store.
type Ledger struct {
	store     kv.Store
	pricing   map[string]config.PricingEntry
	retention time.Duration
	logger    *slog.Logger

	// mu serializes read-modify-write of buckets within the process.
	mu  sync.Mutex
	now func() time.Time
}

// NewLedger creates a ledger. Buckets expire retention after their
// last write.
func NewLedger(store kv.Store, pricing map[string]config.PricingEntry, retention time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Ledger{
		store:     store,
		pricing:   pricing,
		retention: retention,
		logger:    logger.With("component", "usage"),
		now:       time.Now,
	}
}

// Add accounts one call.
func (l *Ledger) Add(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.Purpose == "" {
		rec.Purpose = "other"
	}
	key := bucketKey(rec.Timestamp, rec.Owner)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	byPurpose := b[rec.Model]
	if byPurpose == nil {
		byPurpose = make(map[string]Summary)
		b[rec.Model] = byPurpose
	}
	sum := byPurpose[rec.Purpose]
	sum.add(Summary{
		Calls:        1,
		InputTokens:  int64(rec.InputTokens),
		OutputTokens: int64(rec.OutputTokens),
		CostUSD:      ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, l.pricing),
	})
	byPurpose[rec.Purpose] = sum

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode usage bucket: %w", err)
	}
	if err := l.store.SetEX(ctx, key, string(data), l.retention); err != nil {
		return fmt.Errorf("store usage bucket: %w", err)
	}
	return nil
}

// Report aggregates the UTC days from..to inclusive. Owner 0 reports
// across all owners.
func (l *Ledger) Report(ctx context.Context, owner int64, from, to time.Time) (*Report, error) {
	rep := &Report{
		ByModel:   make(map[string]Summary),
		ByPurpose: make(map[string]Summary),
	}
	first := truncateDay(from)
	last := truncateDay(to)
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		keys, err := l.dayKeys(ctx, day, owner)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			b, err := l.load(ctx, key)
			if err != nil {
				return nil, err
			}
			for model, byPurpose := range b {
				for purpose, sum := range byPurpose {
					rep.Total.add(sum)
					m := rep.ByModel[model]
					m.add(sum)
					rep.ByModel[model] = m
					p := rep.ByPurpose[purpose]
					p.add(sum)
					rep.ByPurpose[purpose] = p
				}
			}
		}
	}
	return rep, nil
}

// Today reports the current UTC day across all owners.
func (l *Ledger) Today(ctx context.Context) (*Report, error) {
	now := l.now()
	return l.Report(ctx, 0, now, now)
}

func (l *Ledger) dayKeys(ctx context.Context, day time.Time, owner int64) ([]string, error) {
	if owner != 0 {
		return []string{bucketKey(day, owner)}, nil
	}
	keys, err := l.store.Keys(ctx, keyPrefix+day.Format(dayLayout)+":")
	if err != nil {
		return nil, fmt.Errorf("list usage buckets: %w", err)
	}
	return keys, nil
}

func (l *Ledger) load(ctx context.Context, key string) (bucket, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read usage bucket: %w", err)
	}
	b := make(bucket)
	if !ok {
		return b, nil
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		// A corrupt bucket restarts from zero rather than wedging
		// accounting for the rest of the day.
		l.logger.Warn("discarding unreadable usage bucket", "key", key, "error", err)
		return make(bucket), nil
	}
	return b, nil
}

func bucketKey(t time.Time, owner int64) string {
	return keyPrefix + t.UTC().Format(dayLayout) + ":" + strconv.FormatInt(owner, 10)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeCost is the USD cost of a call under the pricing table.
// Models not in the table are free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
