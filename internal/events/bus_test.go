package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Emit(SourceAgent, KindTurnComplete, nil)
	if b.Subscribers() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report nothing")
	}
}

func TestEmitDelivers(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	defer sub.Close()

	b.Emit(SourceScheduler, KindReminderFired, map[string]any{"job_id": "j1"})

	select {
	case e := <-sub.C:
		if e.Source != SourceScheduler || e.Kind != KindReminderFired || e.Data["job_id"] != "j1" {
			t.Errorf("event = %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("Emit should stamp the time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	a, c := b.Subscribe(1), b.Subscribe(1)
	defer a.Close()
	defer c.Close()

	b.Emit(SourceWatcher, KindWatcherChecked, nil)
	for _, s := range []*Subscription{a, c} {
		select {
		case <-s.C:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Emit(SourceAgent, KindTurnComplete, nil)
	b.Emit(SourceAgent, KindTurnComplete, nil)

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	sub.Close()
	sub.Close()

	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after Close", b.Subscribers())
	}
	if _, ok := <-sub.C; ok {
		t.Error("C should be closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(1000)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(SourceTelegram, KindMessageReceived, nil)
			}
		}()
	}
	wg.Wait()

	if got := len(sub.C); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}
