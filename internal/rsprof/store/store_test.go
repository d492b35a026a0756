package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
	"github.com/rsprof/rsprof/internal/rsprof/symbol"
)

// stubResolver satisfies store.Resolver without touching any on-disk
// executable, since symbol.Resolver requires a real ELF file to construct.
type stubResolver struct{}

func (stubResolver) Resolve(addr uint64) symbol.Location {
	return symbol.Location{File: "main.rs", Line: int(addr % 100), Function: "hot_loop"}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rsprof.db")

	s, err := store.Open(path, map[string]string{
		"target_pid":  "1234",
		"target_name": "demo",
	})
	if err != nil {
		t.Fatalf("store.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_WritesSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	var version string
	err := s.Reader().QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != "1" {
		t.Errorf("schema_version = %q, want \"1\"", version)
	}
}

func TestTick_CommitsPendingSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	s.PushCPU(0x1000)
	s.PushCPU(0x2000)
	s.PushHeap(0x3000, 1024, 0)

	id, err := s.Tick(ctx, stubResolver{}, 1000)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if id != 1 {
		t.Errorf("first checkpoint id = %d, want 1", id)
	}

	rows, err := query.TopCPU(ctx, s.Reader(), query.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("TopCPU: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("TopCPU returned %d rows, want 2", len(rows))
	}
	if rows[0].Addr != 0x1000 || rows[0].Value != 2 {
		t.Errorf("top row = %+v, want addr=0x1000 value=2", rows[0])
	}
}

func TestTick_PendingMapsClearBetweenTicks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x1000)
	if _, err := s.Tick(ctx, stubResolver{}, 1000); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	// Nothing pushed before the second tick: it should commit zero rows.
	id2, err := s.Tick(ctx, stubResolver{}, 2000)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	rows, err := query.TimeSeries(ctx, s.Reader(), 0x1000, true)
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	for _, p := range rows {
		if p.CheckpointID == id2 {
			t.Errorf("expected no cpu_samples row for checkpoint %d", id2)
		}
	}
}

func TestTick_SymbolInsertedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushCPU(0x4000)
	if _, err := s.Tick(ctx, stubResolver{}, 1000); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	s.PushCPU(0x4000)
	if _, err := s.Tick(ctx, stubResolver{}, 2000); err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	var count int
	err := s.Reader().QueryRow(`SELECT COUNT(*) FROM symbols WHERE addr = ?`, uint64(0x4000)).Scan(&count)
	if err != nil {
		t.Fatalf("count symbols: %v", err)
	}
	if count != 1 {
		t.Errorf("symbols rows for addr = %d, want 1 (idempotent upsert, P5)", count)
	}
}

func TestHeapLiveBytesLaw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PushHeap(0x5000, 1024, 0)
	if _, err := s.Tick(ctx, stubResolver{}, 1000); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	s.PushHeap(0x5000, 0, 256)
	if _, err := s.Tick(ctx, stubResolver{}, 2000); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	rows, err := query.TopHeapLive(ctx, s.Reader(), query.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("TopHeapLive: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 768 {
		t.Fatalf("TopHeapLive = %+v, want single row with live=768", rows)
	}

	series, err := query.TimeSeries(ctx, s.Reader(), 0x5000, false)
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if len(series) != 2 || series[0].Value != 1024 || series[1].Value != 768 {
		t.Fatalf("TimeSeries = %+v, want [1024, 768]", series)
	}
}

func TestReopen_SchemaVersionMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rsprof.db")

	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the recorded schema version to simulate an incompatible file.
	// The store's own reader connection is read-only, so the corruption
	// needs a plain read-write handle.
	rw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open rw: %v", err)
	}
	if _, err := rw.Exec(`UPDATE meta SET value = '999' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("corrupt schema_version: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("close rw: %v", err)
	}

	if _, err := store.OpenReadOnly(path); err == nil {
		t.Error("OpenReadOnly should reject a schema version mismatch")
	}
}

func TestReaderConnectionRejectsWrites(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Reader().Exec(`INSERT INTO meta(key, value) VALUES ('oops', '1')`); err == nil {
		t.Error("the reader connection should reject INSERT")
	}
	if _, err := s.Reader().Exec(`DROP TABLE checkpoints`); err == nil {
		t.Error("the reader connection should reject DROP TABLE")
	}

	// The writer is unaffected and the schema is intact.
	s.PushCPU(0x1000)
	if _, err := s.Tick(context.Background(), stubResolver{}, 100); err != nil {
		t.Fatalf("Tick after rejected writes: %v", err)
	}
}

func TestReaderDoesNotBlockDuringWrite(t *testing.T) {
	// P7: a reader opened during recording observes committed checkpoints
	// and never a partially written one. Exercised here by committing one
	// checkpoint, then confirming an independent read-only connection sees
	// exactly that checkpoint while the writer stays open.
	dir := t.TempDir()
	path := filepath.Join(dir, "rsprof.db")

	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.PushCPU(0x9000)
	if _, err := s.Tick(context.Background(), stubResolver{}, 500); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	reader, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly while writer open: %v", err)
	}
	defer reader.Close()

	var count int
	if err := reader.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count); err != nil {
		t.Fatalf("count checkpoints: %v", err)
	}
	if count != 1 {
		t.Errorf("checkpoints = %d, want 1", count)
	}
}
