package kv

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"), 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want not found", ok, err)
	}

	if err := s.Set(ctx, "conversation:1", "[]"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "conversation:1", `[{"role":"user"}]`); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, "conversation:1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if v != `[{"role":"user"}]` {
		t.Errorf("Get = %q, want overwritten value", v)
	}

	if err := s.Delete(ctx, "conversation:1", "never-existed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "conversation:1"); ok {
		t.Error("key still present after Delete")
	}
}

func TestSQLite_SetClearsTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetEX(ctx, "k", "v1", 20*time.Millisecond); err != nil {
		t.Fatalf("SetEX: %v", err)
	}
	if err := s.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v2" {
		t.Errorf("Get = %q, %v; want v2 without expiry", v, ok)
	}
}

func TestSQLite_Sets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SAdd(ctx, "reminders:7", "b", "a", "b"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	got, err := s.SMembers(ctx, "reminders:7")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("SMembers = %v, want [a b]", got)
	}

	if err := s.SRem(ctx, "reminders:7", "a", "zzz"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	got, _ = s.SMembers(ctx, "reminders:7")
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("SMembers after SRem = %v, want [b]", got)
	}

	empty, err := s.SMembers(ctx, "reminders:nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("SMembers(absent) = %v, %v; want empty", empty, err)
	}
}

func TestSQLite_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Set(ctx, "watcher:1", "{}")
	s.Set(ctx, "watcher:2", "{}")
	s.Set(ctx, "watcherx", "{}")
	s.Set(ctx, "reminder:1", "{}")
	s.SAdd(ctx, "watcher:index", "1")
	s.SetEX(ctx, "watcher:gone", "{}", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	got, err := s.Keys(ctx, "watcher:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(got)
	want := []string{"watcher:1", "watcher:2", "watcher:index"}
	if len(got) != len(want) {
		t.Fatalf("Keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSQLite_Expirations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ch, err := s.Expirations(ctx)
	if err != nil {
		t.Fatalf("Expirations: %v", err)
	}

	if err := s.SetEX(ctx, "conversation_ttl:42", "1", 20*time.Millisecond); err != nil {
		t.Fatalf("SetEX: %v", err)
	}
	if err := s.SetEX(ctx, "conversation_ttl:43", "1", time.Hour); err != nil {
		t.Fatalf("SetEX: %v", err)
	}

	select {
	case key := <-ch:
		if key != "conversation_ttl:42" {
			t.Errorf("expired key = %q, want conversation_ttl:42", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry event")
	}

	if _, ok, _ := s.Get(ctx, "conversation_ttl:43"); !ok {
		t.Error("unexpired key was reaped")
	}

	cancel()
	for range ch {
	}
}

func TestSQLite_TakeOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetEX(ctx, "pending:a1", "payload", time.Minute); err != nil {
		t.Fatalf("SetEX: %v", err)
	}

	results := make(chan bool, 4)
	for range 4 {
		go func() {
			_, ok, err := s.Take(ctx, "pending:a1")
			if err != nil {
				t.Errorf("Take: %v", err)
			}
			results <- ok
		}()
	}
	won := 0
	for range 4 {
		if <-results {
			won++
		}
	}
	if won != 1 {
		t.Errorf("Take succeeded %d times, want 1", won)
	}
	if _, ok, _ := s.Get(ctx, "pending:a1"); ok {
		t.Error("key still present after Take")
	}
}

func TestSQLite_TakeExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetEX(ctx, "k", "v", 5*time.Millisecond); err != nil {
		t.Fatalf("SetEX: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if v, ok, err := s.Take(ctx, "k"); err != nil || ok {
		t.Errorf("Take(expired) = %q, %v, %v; want not found", v, ok, err)
	}
}
