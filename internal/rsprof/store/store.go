// Package store implements rsprof's aggregator and store: it buckets CPU
// and heap events into time-ordered checkpoints, lazily resolves and
// persists symbols, and commits each checkpoint atomically to a relational
// file.
//
// It uses modernc.org/sqlite (pure Go, no cgo) opened in WAL mode with
// SetMaxOpenConns(1) on the writer, synchronous=NORMAL, and a
// constant-string DDL applied at open, plus a second, independent reader
// connection so that query callers never block the writer (and vice
// versa) — WAL mode guarantees exactly that snapshot isolation. Reader
// connections are opened with SQLite's mode=ro URI parameter, so even the
// raw-SQL query passthrough cannot mutate a recording.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rsprof/rsprof/internal/rsprof/rerr"
	"github.com/rsprof/rsprof/internal/rsprof/symbol"
)

// SchemaVersion is the current on-disk schema version, recorded in
// meta("schema_version"). Opening a file with a newer version is fatal;
// older versions require migration (not implemented here, since no prior
// schema version has ever shipped).
const SchemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id   INTEGER PRIMARY KEY,
	t_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS symbols (
	addr     INTEGER PRIMARY KEY,
	file     TEXT,
	line     INTEGER,
	function TEXT
);

CREATE TABLE IF NOT EXISTS cpu_samples (
	checkpoint_id INTEGER NOT NULL,
	addr          INTEGER NOT NULL,
	count         INTEGER NOT NULL,
	PRIMARY KEY (checkpoint_id, addr)
);
CREATE INDEX IF NOT EXISTS idx_cpu_samples_addr ON cpu_samples(addr);
CREATE INDEX IF NOT EXISTS idx_cpu_samples_checkpoint ON cpu_samples(checkpoint_id);

CREATE TABLE IF NOT EXISTS heap_events (
	checkpoint_id INTEGER NOT NULL,
	addr          INTEGER NOT NULL,
	alloc_bytes   INTEGER NOT NULL,
	free_bytes    INTEGER NOT NULL,
	PRIMARY KEY (checkpoint_id, addr)
);
CREATE INDEX IF NOT EXISTS idx_heap_events_addr ON heap_events(addr);
CREATE INDEX IF NOT EXISTS idx_heap_events_checkpoint ON heap_events(checkpoint_id);
`

// Store owns the write connection used by the sampler/aggregator thread and
// a read-only connection used for live and offline queries. Both
// connections point at the same WAL-mode file.
type Store struct {
	writer *sql.DB
	reader *sql.DB

	mu              sync.Mutex
	pendingCPU      map[uint64]int64
	pendingHeap     map[uint64]heapDelta
	insertedSymbols map[uint64]struct{}

	startMS int64 // wall-clock recording start in Unix milliseconds, set by Open
}

type heapDelta struct {
	allocBytes int64
	freeBytes  int64
}

// Open creates (or reuses) the store file at path, applies the schema, and
// prepares both connections. meta is written once at open time (process id,
// process name, executable path, start wall-clock, checkpoint interval, CPU
// frequency).
func Open(path string, meta map[string]string) (*Store, error) {
	writer, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("open writer %q", path), err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		writer.Close()
		return nil, storeErr("set WAL mode", err)
	}
	if _, err := writer.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		writer.Close()
		return nil, storeErr("set synchronous=NORMAL", err)
	}
	if _, err := writer.Exec(ddl); err != nil {
		writer.Close()
		return nil, storeErr("apply schema", err)
	}

	if err := checkOrSetSchemaVersion(writer); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		writer.Close()
		return nil, storeErr("open reader", err)
	}

	s := &Store{
		writer:          writer,
		reader:          reader,
		pendingCPU:      make(map[uint64]int64),
		pendingHeap:     make(map[uint64]heapDelta),
		insertedSymbols: make(map[uint64]struct{}),
		startMS:         time.Now().UnixMilli(),
	}

	if err := s.writeMeta(meta); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func storeErr(action string, err error) error {
	return rerr.WithCode(rerr.CodeStore, fmt.Errorf("store: %s: %w", action, err))
}

// checkOrSetSchemaVersion writes SchemaVersion on a fresh file, or verifies
// it matches on a reopened one.
func checkOrSetSchemaVersion(db *sql.DB) error {
	var existing string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err := db.Exec(`INSERT INTO meta(key, value) VALUES ('schema_version', ?)`, fmt.Sprint(SchemaVersion))
		if err != nil {
			return storeErr("write schema_version", err)
		}
		return nil
	case err != nil:
		return storeErr("read schema_version", err)
	case existing != fmt.Sprint(SchemaVersion):
		return fmt.Errorf("%w: file has version %s, binary supports %d", rerr.ErrSchemaMismatch, existing, SchemaVersion)
	default:
		return nil
	}
}

func (s *Store) writeMeta(meta map[string]string) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return storeErr("begin meta tx", err)
	}
	defer tx.Rollback()

	for k, v := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES (?, ?)`, k, v); err != nil {
			return storeErr("write meta", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit meta tx", err)
	}
	return nil
}

// PushCPU accumulates one CPU-sample tick for a load-normalized address into
// the in-memory pending map. Cheap; touches no database connection.
func (s *Store) PushCPU(addr uint64) {
	s.mu.Lock()
	s.pendingCPU[addr]++
	s.mu.Unlock()
}

// HeapEventKind distinguishes the three heap-event shapes surfaced by the
// Heap Tracker.
type HeapEventKind int

const (
	HeapAlloc HeapEventKind = iota
	HeapFree
	HeapRealloc
)

// PushHeap accumulates a heap delta for addr into the in-memory pending
// map. allocBytes/freeBytes are both non-negative deltas contributed by
// this single event.
func (s *Store) PushHeap(addr uint64, allocBytes, freeBytes int64) {
	s.mu.Lock()
	d := s.pendingHeap[addr]
	d.allocBytes += allocBytes
	d.freeBytes += freeBytes
	s.pendingHeap[addr] = d
	s.mu.Unlock()
}

// Resolver is the minimal interface Tick needs from a symbol.Resolver, kept
// narrow so tests can supply a stub.
type Resolver interface {
	Resolve(addr uint64) symbol.Location
}

// Tick allocates a new checkpoint row, resolves any newly seen addresses via
// resolver, and commits the pending CPU and heap maps (plus any new symbol
// rows) in a single atomic transaction, then clears the pending maps. It is
// the only Store operation that touches the database.
func (s *Store) Tick(ctx context.Context, resolver Resolver, tMS int64) (checkpointID int64, err error) {
	s.mu.Lock()
	cpu := s.pendingCPU
	heap := s.pendingHeap
	s.pendingCPU = make(map[uint64]int64)
	s.pendingHeap = make(map[uint64]heapDelta)
	s.mu.Unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin tick tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(t_ms) VALUES (?)`, tMS)
	if err != nil {
		return 0, storeErr("insert checkpoint", err)
	}
	checkpointID, err = res.LastInsertId()
	if err != nil {
		return 0, storeErr("read checkpoint id", err)
	}

	seen := make(map[uint64]struct{}, len(cpu)+len(heap))
	for addr := range cpu {
		seen[addr] = struct{}{}
	}
	for addr := range heap {
		seen[addr] = struct{}{}
	}

	for addr := range seen {
		if _, ok := s.insertedSymbols[addr]; ok {
			continue
		}
		loc := resolver.Resolve(addr)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO symbols(addr, file, line, function) VALUES (?, ?, ?, ?)
			 ON CONFLICT(addr) DO NOTHING`,
			addr, loc.File, loc.Line, loc.Function)
		if err != nil {
			return 0, storeErr("upsert symbol", err)
		}
		s.insertedSymbols[addr] = struct{}{}
	}

	for addr, count := range cpu {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cpu_samples(checkpoint_id, addr, count) VALUES (?, ?, ?)`,
			checkpointID, addr, count)
		if err != nil {
			return 0, storeErr("insert cpu_samples", err)
		}
	}

	for addr, d := range heap {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO heap_events(checkpoint_id, addr, alloc_bytes, free_bytes) VALUES (?, ?, ?, ?)`,
			checkpointID, addr, d.allocBytes, d.freeBytes)
		if err != nil {
			return 0, storeErr("insert heap_events", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit tick tx", err)
	}

	return checkpointID, nil
}

// Reader exposes the read-only connection for query.TopCPU / TopHeapLive /
// TimeSeries / Raw.
func (s *Store) Reader() *sql.DB { return s.reader }

// Close releases both connections. Subsequent calls return nil, since
// closing an already-closed *sql.DB is a no-op.
func (s *Store) Close() error {
	err1 := s.writer.Close()
	err2 := s.reader.Close()
	if err1 != nil {
		return storeErr("close writer", err1)
	}
	if err2 != nil {
		return storeErr("close reader", err2)
	}
	return nil
}

// readOnlyDSN builds a SQLite URI that opens path read-only, so a mutating
// statement submitted through a reader connection (including the raw-SQL
// passthrough of the `query` command) fails instead of corrupting the
// recording.
func readOnlyDSN(path string) string {
	return "file:" + path + "?mode=ro"
}

// OpenReadOnly opens just a reader connection against an existing store
// file, for the `top`/`query`/`view` CLI commands that never write.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		return nil, storeErr("open read-only", err)
	}
	var version string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		db.Close()
		return nil, storeErr("read schema_version", err)
	}
	if version != fmt.Sprint(SchemaVersion) {
		db.Close()
		return nil, fmt.Errorf("%w: file has version %s, binary supports %d", rerr.ErrSchemaMismatch, version, SchemaVersion)
	}
	return db, nil
}
