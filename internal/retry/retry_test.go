package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type transientErr struct{}

func (transientErr) Error() string   { return "connection reset" }
func (transientErr) Transient() bool { return true }

type limitErr struct {
	hint time.Duration
	ok   bool
}

func (limitErr) Error() string                       { return "429" }
func (e limitErr) RetryAfter() (time.Duration, bool) { return e.hint, e.ok }

func newTestExecutor(cfg Config) (*Executor, *[]time.Duration) {
	e := New(cfg, nil)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestDo_SuccessFirstTry(t *testing.T) {
	e, slept := newTestExecutor(DefaultConfig())
	calls := 0
	got, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Do = %q, %v", got, err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d, sleeps = %v", calls, *slept)
	}
}

func TestDo_TransientRecovers(t *testing.T) {
	e, slept := newTestExecutor(Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	calls := 0
	got, err := Do(context.Background(), e, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, transientErr{}
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Do = %d, %v", got, err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestDo_TransientExhausted(t *testing.T) {
	e, slept := newTestExecutor(Config{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute})
	calls := 0
	_, err := Do(context.Background(), e, func(context.Context) (int, error) {
		calls++
		return 0, transientErr{}
	})
	if !errors.As(err, new(transientErr)) {
		t.Fatalf("err = %v, want last transient error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// No sleep after the final attempt.
	if len(*slept) != 2 {
		t.Errorf("sleeps = %v, want 2", *slept)
	}
}

func TestDo_RateLimitNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  limitErr
		want time.Duration
	}{
		{name: "no hint uses default", err: limitErr{}, want: 30 * time.Second},
		{name: "hint honoured", err: limitErr{hint: 12 * time.Second, ok: true}, want: 12 * time.Second},
		{name: "hint capped", err: limitErr{hint: 10 * time.Minute, ok: true}, want: 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, slept := newTestExecutor(DefaultConfig())
			calls := 0
			_, err := Do(context.Background(), e, func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			var sig *RateLimitSignal
			if !errors.As(err, &sig) {
				t.Fatalf("err = %v, want *RateLimitSignal", err)
			}
			if sig.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %v, want %v", sig.RetryAfter, tt.want)
			}
			if calls != 1 || len(*slept) != 0 {
				t.Errorf("calls = %d, sleeps = %v", calls, *slept)
			}
		})
	}
}

func TestDo_OtherErrorImmediate(t *testing.T) {
	e, _ := newTestExecutor(DefaultConfig())
	boom := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), e, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	e := New(Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, e, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, transientErr{}
	})
	if !errors.Is(err, context.Canceled) && !errors.As(err, new(transientErr)) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoff(t *testing.T) {
	e := New(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
