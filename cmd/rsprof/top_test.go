//go:build linux

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/symbol"
)

type stubResolver struct{}

func (stubResolver) Resolve(addr uint64) symbol.Location {
	return symbol.Location{File: "main.rs", Line: 1, Function: "f"}
}

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rsprof.db")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

// TestBuildFilter_SinceIsRelativeToMostRecentCheckpoint covers scenario 5:
// a 60s recording queried with --since 10s must resolve to the final 10s of
// the recording, not the first 10s-to-end absolute range.
func TestBuildFilter_SinceIsRelativeToMostRecentCheckpoint(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 1000); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 60000); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()

	f, err := buildFilter(ctx, db, topOpts{since: "10s", top: 10})
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if f.SinceMS != 50000 {
		t.Errorf("SinceMS = %d, want 50000 (60000 - 10000)", f.SinceMS)
	}
}

func TestBuildFilter_SinceLongerThanRecordingFloorsAtZero(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 5000); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()

	f, err := buildFilter(ctx, db, topOpts{since: "1h", top: 10})
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if f.SinceMS != 0 {
		t.Errorf("SinceMS = %d, want 0", f.SinceMS)
	}
}

func TestBuildFilter_WindowStaysAbsoluteFromStart(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 60000); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()

	f, err := buildFilter(ctx, db, topOpts{window: "10s..20s", top: 10})
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if f.SinceMS != 10000 || f.UntilMS != 20000 {
		t.Errorf("SinceMS/UntilMS = %d/%d, want 10000/20000", f.SinceMS, f.UntilMS)
	}
}
