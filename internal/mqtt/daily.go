package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/aide/internal/events"
)

// DailyCounts tallies activity that resets at local midnight. It is
// safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	counts   map[string]int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounts creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{counts: make(map[string]int64), loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record folds one event into today's counters.
func (d *DailyCounts) Record(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindMessageReceived:
		d.counts["messages"]++
	case events.KindTurnComplete:
		d.counts["turns"]++
		d.counts["llm_calls"] += number(e.Data["llm_calls"])
	case events.KindToolDone:
		d.counts["tool_calls"]++
	case events.KindRateLimited:
		d.counts["rate_limited"]++
	case events.KindReminderFired:
		d.counts["reminders_fired"]++
	case events.KindWatcherChecked:
		d.counts["watcher_matches"] += number(e.Data["matched"])
	case events.KindDigestChecked:
		if delivered, _ := e.Data["delivered"].(bool); delivered {
			d.counts["digests_sent"]++
		}
	case events.KindSummarized:
		d.counts["summaries"]++
	}
}

// Snapshot returns a copy of today's counters after checking for
// midnight rollover.
func (d *DailyCounts) Snapshot() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// maybeReset zeroes the counters if the local day has changed. Must be
// called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		clear(d.counts)
		d.resetDay = today
	}
}

func number(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
