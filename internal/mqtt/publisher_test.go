package mqtt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/kv"
)

type fakeClient struct {
	mu  sync.Mutex
	pub []*paho.Publish
	ch  chan *paho.Publish
}

func newFakeClient() *fakeClient {
	return &fakeClient{ch: make(chan *paho.Publish, 64)}
}

func (f *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	f.pub = append(f.pub, p)
	f.mu.Unlock()
	f.ch <- p
	return &paho.PublishResponse{}, nil
}

// next waits for a publish to topic, skipping others.
func (f *fakeClient) next(t *testing.T, topic string) *paho.Publish {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-f.ch:
			if p.Topic == topic {
				return p
			}
		case <-deadline:
			t.Fatalf("no publish to %s", topic)
			return nil
		}
	}
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		TopicPrefix:        "aide",
		ClientID:           "aide",
		StatsIntervalSec:   3600,
		MaxEventsPerMinute: 100,
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := New(testConfig(), "0191b3c2-7a4e-7c1d-9f00-1234abcd5678", events.New(), nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "aide/availability"},
		{"stats", p.statsTopic(), "aide/stats"},
		{"event", p.eventTopic(events.Event{Source: "scheduler", Kind: "reminder_fired"}), "aide/events/scheduler/reminder_fired"},
		{"client id", p.clientID(), "aide-abcd5678"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_ForwardsEvents(t *testing.T) {
	bus := events.New()
	p := New(testConfig(), "inst-1", bus, func() map[string]any {
		return map[string]any{"reminders": 2}
	}, nil)
	c := newFakeClient()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.run(ctx, c)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	stats := c.next(t, "aide/stats")
	if !stats.Retain {
		t.Error("stats document should be retained")
	}
	var doc map[string]any
	if err := json.Unmarshal(stats.Payload, &doc); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if doc["instance"] != "inst-1" || doc["reminders"] != float64(2) {
		t.Errorf("stats = %v", doc)
	}

	for bus.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}
	bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{"owner": int64(7), "llm_calls": 3})

	got := c.next(t, "aide/events/agent/turn_complete")
	var ev eventPayload
	if err := json.Unmarshal(got.Payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Instance != "inst-1" || ev.Kind != events.KindTurnComplete || ev.Data["llm_calls"] != float64(3) {
		t.Errorf("event = %+v", ev)
	}
	if got.Retain {
		t.Error("events should not be retained")
	}

	today := p.Today()
	if today["turns"] != 1 || today["llm_calls"] != 3 {
		t.Errorf("today = %v", today)
	}
}

func TestPublisher_RateLimitDropsExcess(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsPerMinute = 2
	p := New(cfg, "inst", events.New(), nil, nil)
	c := newFakeClient()

	for i := 0; i < 5; i++ {
		p.forward(context.Background(), c, events.Event{Source: events.SourceTelegram, Kind: events.KindMessageReceived})
	}
	if len(c.pub) != 2 {
		t.Errorf("published %d events, want 2", len(c.pub))
	}
	if p.limiter.droppedTotal() != 3 {
		t.Errorf("dropped = %d, want 3", p.limiter.droppedTotal())
	}
	// Dropped events still count toward today's activity.
	if got := p.Today()["messages"]; got != 5 {
		t.Errorf("messages today = %d, want 5", got)
	}

	p.limiter.reset()
	p.forward(context.Background(), c, events.Event{Source: events.SourceTelegram, Kind: events.KindMessageReceived})
	if len(c.pub) != 3 {
		t.Errorf("after reset published %d, want 3", len(c.pub))
	}
}

func TestPublisher_Availability(t *testing.T) {
	p := New(testConfig(), "inst", events.New(), nil, nil)
	c := newFakeClient()
	p.publishAvailability(context.Background(), c, "online")
	got := c.next(t, "aide/availability")
	if string(got.Payload) != "online" || !got.Retain || got.QoS != 1 {
		t.Errorf("availability publish = %+v", got)
	}
}

func TestDailyCounts_ResetsAtMidnight(t *testing.T) {
	d := NewDailyCounts(time.UTC)
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	d.Record(events.Event{Kind: events.KindWatcherChecked, Data: map[string]any{"matched": 4}})
	d.Record(events.Event{Kind: events.KindReminderFired})
	d.Record(events.Event{Kind: events.KindDigestChecked, Data: map[string]any{"delivered": true}})
	d.Record(events.Event{Kind: events.KindDigestChecked, Data: map[string]any{"delivered": false}})
	if s := d.Snapshot(); s["watcher_matches"] != 4 || s["reminders_fired"] != 1 || s["digests_sent"] != 1 {
		t.Fatalf("snapshot = %v", s)
	}

	now = now.Add(2 * time.Minute)
	if s := d.Snapshot(); len(s) != 0 {
		t.Errorf("after midnight snapshot = %v, want empty", s)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	store, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), time.Second, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	first, err := LoadOrCreateInstanceID(ctx, store)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	second, err := LoadOrCreateInstanceID(ctx, store)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}
