// Package query implements the store's read API: the three canonical query
// shapes (top CPU, top live heap, time series) plus a raw read-only SQL
// passthrough for the `rsprof query` CLI command.
package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Row is one ranked result row from TopCPU or TopHeapLive.
type Row struct {
	Addr     uint64
	File     string
	Line     int
	Function string
	Value    int64 // sample count (TopCPU) or live bytes (TopHeapLive)
}

// Filter narrows a top-N query by checkpoint window and substring match on
// file or function, applied inside the query itself.
type Filter struct {
	SinceMS   int64 // 0 means "from the start"
	UntilMS   int64 // 0 means "no upper bound"
	Substring string
	Limit     int
}

func (f Filter) limitOrDefault() int {
	if f.Limit <= 0 {
		return 10
	}
	return f.Limit
}

// MaxCheckpointTMs returns the t_ms of the most recent checkpoint in the
// recording, or 0 if none have been written yet. Callers resolving "last N
// duration" --since/--until windows (spec scenario 5) use this as the anchor
// to count back from.
func MaxCheckpointTMs(ctx context.Context, db *sql.DB) (int64, error) {
	var maxTMs sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(t_ms) FROM checkpoints`).Scan(&maxTMs); err != nil {
		return 0, fmt.Errorf("query: MaxCheckpointTMs: %w", err)
	}
	return maxTMs.Int64, nil
}

// TopCPU aggregates cpu_samples.count by address across the checkpoints in
// the filter's window, joins symbols, orders by count descending with
// address-ascending tie-breaks (P6: query determinism), and limits to N
// rows.
func TopCPU(ctx context.Context, db *sql.DB, f Filter) ([]Row, error) {
	q := `
		SELECT c.addr, COALESCE(s.file, ''), COALESCE(s.line, 0), COALESCE(s.function, ''), SUM(c.count) AS total
		FROM cpu_samples c
		JOIN checkpoints cp ON cp.id = c.checkpoint_id
		LEFT JOIN symbols s ON s.addr = c.addr
		WHERE cp.t_ms >= ? AND (? = 0 OR cp.t_ms <= ?)
		  AND (? = '' OR s.file LIKE '%' || ? || '%' OR s.function LIKE '%' || ? || '%')
		GROUP BY c.addr
		ORDER BY total DESC, c.addr ASC
		LIMIT ?
	`
	rows, err := db.QueryContext(ctx, q,
		f.SinceMS, f.UntilMS, f.UntilMS,
		f.Substring, f.Substring, f.Substring,
		f.limitOrDefault(),
	)
	if err != nil {
		return nil, fmt.Errorf("query: TopCPU: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// TopHeapLive aggregates (alloc_bytes − free_bytes) by address across the
// checkpoints in the filter's window (with SinceMS 0, every checkpoint up to
// the upper bound; with SinceMS set, only the net change from that checkpoint
// on), filters to strictly positive
// live bytes, joins symbols, orders descending with address-ascending
// tie-breaks, and limits to N rows.
func TopHeapLive(ctx context.Context, db *sql.DB, f Filter) ([]Row, error) {
	q := `
		SELECT h.addr, COALESCE(s.file, ''), COALESCE(s.line, 0), COALESCE(s.function, ''),
		       SUM(h.alloc_bytes - h.free_bytes) AS live
		FROM heap_events h
		JOIN checkpoints cp ON cp.id = h.checkpoint_id
		LEFT JOIN symbols s ON s.addr = h.addr
		WHERE cp.t_ms >= ? AND (? = 0 OR cp.t_ms <= ?)
		  AND (? = '' OR s.file LIKE '%' || ? || '%' OR s.function LIKE '%' || ? || '%')
		GROUP BY h.addr
		HAVING live > 0
		ORDER BY live DESC, h.addr ASC
		LIMIT ?
	`
	rows, err := db.QueryContext(ctx, q,
		f.SinceMS, f.UntilMS, f.UntilMS,
		f.Substring, f.Substring, f.Substring,
		f.limitOrDefault(),
	)
	if err != nil {
		return nil, fmt.Errorf("query: TopHeapLive: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// TimeSeriesPoint is one sample of a per-checkpoint time series.
type TimeSeriesPoint struct {
	CheckpointID int64
	TMS          int64
	Value        int64
}

// TimeSeries returns, for a single address, either per-checkpoint CPU sample
// counts (if cpu is true) or cumulative live heap bytes (if cpu is false),
// ordered by checkpoint id ascending.
func TimeSeries(ctx context.Context, db *sql.DB, addr uint64, cpu bool) ([]TimeSeriesPoint, error) {
	if cpu {
		return timeSeriesCPU(ctx, db, addr)
	}
	return timeSeriesHeap(ctx, db, addr)
}

func timeSeriesCPU(ctx context.Context, db *sql.DB, addr uint64) ([]TimeSeriesPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cp.id, cp.t_ms, c.count
		FROM cpu_samples c
		JOIN checkpoints cp ON cp.id = c.checkpoint_id
		WHERE c.addr = ?
		ORDER BY cp.id ASC
	`, addr)
	if err != nil {
		return nil, fmt.Errorf("query: TimeSeries(cpu): %w", err)
	}
	defer rows.Close()
	return scanTimeSeries(rows)
}

func timeSeriesHeap(ctx context.Context, db *sql.DB, addr uint64) ([]TimeSeriesPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cp.id, cp.t_ms, h.alloc_bytes - h.free_bytes
		FROM heap_events h
		JOIN checkpoints cp ON cp.id = h.checkpoint_id
		WHERE h.addr = ?
		ORDER BY cp.id ASC
	`, addr)
	if err != nil {
		return nil, fmt.Errorf("query: TimeSeries(heap): %w", err)
	}
	defer rows.Close()

	points, err := scanTimeSeries(rows)
	if err != nil {
		return nil, err
	}
	// Heap deltas accumulate into a running "live bytes" total: the sum of
	// alloc−free across every checkpoint up to and including this one.
	var running int64
	for i := range points {
		running += points[i].Value
		points[i].Value = running
	}
	return points, nil
}

// Raw executes an arbitrary read-only SQL string against db, returning
// column names and rows as generic values for the `rsprof query` CLI
// command to render.
func Raw(ctx context.Context, db *sql.DB, sqlText string) (columns []string, result [][]any, err error) {
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, fmt.Errorf("query: raw: %w", err)
	}
	defer rows.Close()

	columns, err = rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query: raw columns: %w", err)
	}

	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("query: raw scan: %w", err)
		}
		result = append(result, vals)
	}
	return columns, result, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Addr, &r.File, &r.Line, &r.Function, &r.Value); err != nil {
			return nil, fmt.Errorf("query: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTimeSeries(rows *sql.Rows) ([]TimeSeriesPoint, error) {
	var out []TimeSeriesPoint
	for rows.Next() {
		var p TimeSeriesPoint
		if err := rows.Scan(&p.CheckpointID, &p.TMS, &p.Value); err != nil {
			return nil, fmt.Errorf("query: scan time series point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
