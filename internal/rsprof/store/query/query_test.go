package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
	"github.com/rsprof/rsprof/internal/rsprof/symbol"
)

type stubResolver struct{}

func (stubResolver) Resolve(addr uint64) symbol.Location {
	names := map[uint64]string{0x1000: "hot_loop", 0x2000: "alloc_buf"}
	return symbol.Location{File: "main.rs", Line: 10, Function: names[addr]}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "rsprof.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTopCPU_OrdersByCountDescAddrAscTieBreak(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x2000)
	s.PushCPU(0x2000)
	s.PushCPU(0x1000)
	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rows, err := query.TopCPU(ctx, s.Reader(), query.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("TopCPU: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	// Equal counts tie-break on address ascending (P6).
	if rows[0].Addr != 0x1000 || rows[1].Addr != 0x2000 {
		t.Errorf("rows = %+v, want addr-ascending tie-break order", rows)
	}
}

func TestTopCPU_SubstringFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	s.PushCPU(0x2000)
	if _, err := s.Tick(ctx, stubResolver{}, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rows, err := query.TopCPU(ctx, s.Reader(), query.Filter{Limit: 10, Substring: "hot_loop"})
	if err != nil {
		t.Fatalf("TopCPU: %v", err)
	}
	if len(rows) != 1 || rows[0].Addr != 0x1000 {
		t.Fatalf("filtered rows = %+v, want single 0x1000 row", rows)
	}
}

func TestTopCPU_WindowExcludesCheckpointsOutsideRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 1000); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 60000); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	rows, err := query.TopCPU(ctx, s.Reader(), query.Filter{Limit: 10, SinceMS: 50000})
	if err != nil {
		t.Fatalf("TopCPU: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 1 {
		t.Fatalf("windowed rows = %+v, want single row with value 1", rows)
	}
}

func TestTopHeapLive_ExcludesNonPositiveLiveBytes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushHeap(0x1000, 512, 512) // net zero, excluded
	s.PushHeap(0x2000, 1024, 0)  // net positive, included
	if _, err := s.Tick(ctx, stubResolver{}, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rows, err := query.TopHeapLive(ctx, s.Reader(), query.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("TopHeapLive: %v", err)
	}
	if len(rows) != 1 || rows[0].Addr != 0x2000 {
		t.Fatalf("rows = %+v, want single 0x2000 row", rows)
	}
}

func TestRaw_ExecutesArbitraryReadOnlyQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	columns, rows, err := query.Raw(ctx, s.Reader(), `SELECT addr, count FROM cpu_samples`)
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if len(columns) != 2 {
		t.Fatalf("columns = %v, want 2", columns)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %v, want 1", rows)
	}
}

func TestRaw_RejectsMutatingStatements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// The reader connection is opened mode=ro, so a write smuggled through
	// the raw-SQL passthrough fails instead of mutating the recording.
	for _, stmt := range []string{
		`DROP TABLE checkpoints`,
		`INSERT INTO cpu_samples(checkpoint_id, addr, count) VALUES (1, 2, 3)`,
		`DELETE FROM symbols`,
	} {
		if _, _, err := query.Raw(ctx, s.Reader(), stmt); err == nil {
			t.Errorf("Raw(%q) should fail on the read-only connection", stmt)
		}
	}

	// The recording is untouched.
	_, rows, err := query.Raw(ctx, s.Reader(), `SELECT addr FROM cpu_samples`)
	if err != nil {
		t.Fatalf("Raw after rejected writes: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %v, want the original single row", rows)
	}
}
