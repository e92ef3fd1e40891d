package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aide/internal/events"
)

func fastBackoff() Backoff {
	return Backoff{
		Initial:         time.Millisecond,
		Max:             5 * time.Millisecond,
		Multiplier:      2.0,
		StartupAttempts: 3,
		Poll:            5 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoff(t *testing.T) {
	var b Backoff
	b.applyDefaults()
	if b != DefaultBackoff() {
		t.Errorf("zero backoff with defaults = %+v, want %+v", b, DefaultBackoff())
	}
	d := DefaultBackoff()
	if d.Initial != 2*time.Second || d.Max != 60*time.Second || d.StartupAttempts != 10 || d.Poll != 60*time.Second {
		t.Errorf("DefaultBackoff = %+v", d)
	}
}

func TestMonitor_ReadyOnFirstProbe(t *testing.T) {
	m := NewMonitor(fastBackoff(), nil, nil)
	defer m.Stop()

	var ready atomic.Int32
	if err := m.Watch(context.Background(), Service{
		Name:    "store",
		Probe:   func(context.Context) error { return nil },
		OnReady: func(context.Context) { ready.Add(1) },
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	eventually(t, "store ready", func() bool { return m.Status()["store"].Ready })
	eventually(t, "OnReady", func() bool { return ready.Load() == 1 })

	// Further successful polls are not transitions.
	time.Sleep(30 * time.Millisecond)
	if n := ready.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
	if err := m.Check("store")(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}

func TestMonitor_BackoffThenReady(t *testing.T) {
	m := NewMonitor(fastBackoff(), nil, nil)
	defer m.Stop()

	var attempts atomic.Int32
	_ = m.Watch(context.Background(), Service{
		Name: "google",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 2 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	eventually(t, "google ready", func() bool { return m.Status()["google"].Ready })
	if n := attempts.Load(); n < 3 {
		t.Errorf("probes = %d, want at least 3", n)
	}
}

func TestMonitor_DownAndRecovered(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	m := NewMonitor(fastBackoff(), bus, nil)
	defer m.Stop()

	var failing atomic.Bool
	var downs, readies atomic.Int32
	_ = m.Watch(context.Background(), Service{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		OnReady: func(context.Context) { readies.Add(1) },
		OnDown:  func(error) { downs.Add(1) },
	})
	eventually(t, "initial ready", func() bool { return readies.Load() == 1 })

	failing.Store(true)
	eventually(t, "down", func() bool { return downs.Load() == 1 })
	err := m.Check("mqtt")(context.Background())
	if err == nil || err.Error() != "broker gone" {
		t.Errorf("Check while down = %v", err)
	}

	failing.Store(false)
	eventually(t, "recovered", func() bool { return readies.Load() == 2 })

	var kinds []string
	for len(kinds) < 3 {
		select {
		case e := <-sub.C:
			if e.Source == events.SourceHealth {
				kinds = append(kinds, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("events so far %v", kinds)
		}
	}
	want := []string{events.KindServiceUp, events.KindServiceDown, events.KindServiceUp}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("events = %v, want %v", kinds, want)
			break
		}
	}
}

func TestMonitor_StartupExhaustedKeepsPolling(t *testing.T) {
	m := NewMonitor(fastBackoff(), nil, nil)
	defer m.Stop()

	var up atomic.Bool
	_ = m.Watch(context.Background(), Service{
		Name: "late",
		Probe: func(context.Context) error {
			if up.Load() {
				return nil
			}
			return errors.New("not yet")
		},
	})

	eventually(t, "startup attempts used", func() bool { return m.Status()["late"].LastError == "not yet" })
	time.Sleep(20 * time.Millisecond)
	if m.Status()["late"].Ready {
		t.Fatal("ready before the service came up")
	}

	up.Store(true)
	eventually(t, "ready from background poll", func() bool { return m.Status()["late"].Ready })
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	b := fastBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	m := NewMonitor(b, nil, nil)
	defer m.Stop()

	_ = m.Watch(context.Background(), Service{
		Name: "hung",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	eventually(t, "timeout recorded", func() bool { return m.Status()["hung"].LastError != "" })
	if m.Status()["hung"].Ready {
		t.Error("hung service reported ready")
	}
}

func TestMonitor_WatchValidation(t *testing.T) {
	m := NewMonitor(fastBackoff(), nil, nil)
	defer m.Stop()

	if err := m.Watch(context.Background(), Service{Name: "x"}); err == nil {
		t.Error("Watch without probe succeeded")
	}
	ok := Service{Name: "x", Probe: func(context.Context) error { return nil }}
	if err := m.Watch(context.Background(), ok); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := m.Watch(context.Background(), ok); err == nil {
		t.Error("duplicate Watch succeeded")
	}
	if err := m.Check("missing")(context.Background()); err == nil {
		t.Error("Check on unknown service returned nil")
	}
	if got := len(m.Checks()); got != 1 {
		t.Errorf("Checks = %d entries, want 1", got)
	}
}

func TestMonitor_StopAndCancel(t *testing.T) {
	m := NewMonitor(fastBackoff(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_ = m.Watch(ctx, Service{Name: "a", Probe: func(context.Context) error { return errors.New("down") }})
	_ = m.Watch(context.Background(), Service{Name: "b", Probe: func(context.Context) error { return nil }})
	cancel()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestMonitor_CheckBeforeFirstProbe(t *testing.T) {
	b := fastBackoff()
	m := NewMonitor(b, nil, nil)
	defer m.Stop()

	release := make(chan struct{})
	_ = m.Watch(context.Background(), Service{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	if err := m.Check("slow")(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Check before probe = %v, want ErrNotReady", err)
	}
	close(release)
}
