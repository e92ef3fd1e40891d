// Package events is the in-process activity feed. Components publish
// what they did (a turn finished, a reminder fired, a watcher delivered
// matches) and subscribers such as the MQTT forwarder consume it.
//
// Publishing never blocks and a nil *Bus is a valid no-op bus, so
// components publish unconditionally.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceAgent      = "agent"
	SourceTelegram   = "telegram"
	SourceScheduler  = "scheduler"
	SourceWatcher    = "watcher"
	SourceSummarizer = "summarizer"
	SourceDigest     = "digest"
	SourceAuth       = "auth"
	SourceHealth     = "health"
)

// Kinds. Data keys are listed per kind.
const (
	// KindTurnComplete: owner, llm_calls, outcome, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindToolDone: owner, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRateLimited: owner, retry_after_s.
	KindRateLimited = "rate_limited"

	// KindMessageReceived: owner, kind (text, voice, callback).
	KindMessageReceived = "message_received"

	// KindReminderCreated: owner, job_id.
	KindReminderCreated = "reminder_created"
	// KindReminderFired: owner, job_id, ok.
	KindReminderFired = "reminder_fired"
	// KindReconcileComplete: owners, jobs.
	KindReconcileComplete = "reconcile_complete"

	// KindWatcherChecked: owner, watcher_id, fetched, matched.
	KindWatcherChecked = "watcher_checked"

	// KindDigestChecked: owner, group_id, fetched, delivered.
	KindDigestChecked = "digest_checked"

	// KindSummarized: owner, messages.
	KindSummarized = "summarized"

	// KindAuthorized: owner.
	KindAuthorized = "authorized"

	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one activity record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscribers. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a live feed. Read from C; call Close when done.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of size buf.
func (b *Bus) Subscribe(buf int) *Subscription {
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unsubscribes and closes C. Repeated calls are no-ops.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
