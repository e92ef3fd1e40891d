package timezone

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/aide/internal/kv"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.NewSQLite(filepath.Join(t.TempDir(), "kv.db"), time.Second, nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer backend.Close()
	s := NewStore(backend)

	if _, ok, err := s.Get(ctx, 1); err != nil || ok {
		t.Fatalf("Get(empty) = ok %v, err %v", ok, err)
	}
	if loc := s.Location(ctx, 1, time.UTC); loc != time.UTC {
		t.Errorf("Location fallback = %v", loc)
	}

	if _, err := s.Set(ctx, 1, "Mars/Olympus"); err == nil {
		t.Error("Set accepted an unknown zone")
	}

	got, err := s.Set(ctx, 1, " Asia/Almaty ")
	if err != nil || got != "Asia/Almaty" {
		t.Fatalf("Set = %q, %v", got, err)
	}
	tz, ok, _ := s.Get(ctx, 1)
	if !ok || tz != "Asia/Almaty" {
		t.Errorf("Get = %q, %v", tz, ok)
	}

	got, err = s.Set(ctx, 2, "UTC+5")
	if err != nil || got != "+05:00" {
		t.Errorf("Set offset = %q, %v; want +05:00", got, err)
	}
	loc := s.Location(ctx, 2, time.UTC)
	if _, off := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone(); off != 5*3600 {
		t.Errorf("offset = %d", off)
	}
}
