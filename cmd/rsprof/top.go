//go:build linux

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsprof/rsprof/internal/rsprof/config"
	"github.com/rsprof/rsprof/internal/rsprof/duration"
	"github.com/rsprof/rsprof/internal/rsprof/render"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
)

type topOpts struct {
	top       int
	threshold float64
	since     string
	until     string
	window    string
	json      bool
	csv       bool
}

func newTopCommand() *cobra.Command {
	var o topOpts
	cmd := &cobra.Command{
		Use:   "top cpu|heap <file>",
		Short: "Query the top-N addresses by CPU samples or live heap bytes in a recorded file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop(cmd.Context(), args[0], args[1], o)
		},
	}
	cmd.Flags().IntVar(&o.top, "top", 10, "number of rows to show")
	cmd.Flags().Float64Var(&o.threshold, "threshold", 0, "minimum percentage of total to include")
	cmd.Flags().StringVar(&o.since, "since", "", "only include checkpoints within this duration of the most recent one")
	cmd.Flags().StringVar(&o.until, "until", "", "exclude checkpoints within this duration of the most recent one")
	cmd.Flags().StringVar(&o.window, "window", "", "absolute \"A..B\" duration range from recording start, overrides --since/--until")
	cmd.Flags().BoolVar(&o.json, "json", false, "emit JSON instead of a table")
	cmd.Flags().BoolVar(&o.csv, "csv", false, "emit CSV instead of a table")
	return cmd
}

func runTop(ctx context.Context, kind, path string, o topOpts) error {
	if kind != "cpu" && kind != "heap" {
		return rerr.Newf(rerr.CodeInvalidArgs, "top: first argument must be %q or %q, got %q", "cpu", "heap", kind)
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}
	defer db.Close()

	f, err := buildFilter(ctx, db, o)
	if err != nil {
		return err
	}

	var rows []query.Row
	if kind == "cpu" {
		rows, err = query.TopCPU(ctx, db, f)
	} else {
		rows, err = query.TopHeapLive(ctx, db, f)
	}
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}

	rows = applyThreshold(rows, o.threshold)

	label := "SAMPLES"
	if kind == "heap" {
		label = "LIVE BYTES"
	}

	switch {
	case o.json:
		return render.JSON(os.Stdout, rows)
	case o.csv:
		return render.CSV(os.Stdout, rows)
	default:
		return render.Table(os.Stdout, rows, label, config.ShouldStyle())
	}
}

// buildFilter translates --since/--until/--window into a query.Filter.
//
// --window "A..B" names an absolute duration range measured from recording
// start and overrides --since/--until entirely.
//
// Bare --since/--until are relative to the *end* of the recording, per
// scenario 5: "--since 10s" on a 60s recording means "the final 10s",
// i.e. checkpoints with t_ms >= (most recent checkpoint's t_ms) - 10s, not
// t_ms >= 10s from the start. --until is symmetric: "the recording up to
// 10s before it ended". Resolving this anchor requires the most recent
// checkpoint's t_ms, so buildFilter takes the already-open db.
func buildFilter(ctx context.Context, db *sql.DB, o topOpts) (query.Filter, error) {
	f := query.Filter{Limit: o.top}

	if o.window != "" {
		w, err := duration.ParseWindow(o.window)
		if err != nil {
			return f, err
		}
		f.SinceMS = w.Since.Milliseconds()
		f.UntilMS = w.Until.Milliseconds()
		return f, nil
	}

	if o.since == "" && o.until == "" {
		return f, nil
	}

	maxTMs, err := query.MaxCheckpointTMs(ctx, db)
	if err != nil {
		return f, rerr.WithCode(rerr.CodeStore, err)
	}

	if o.since != "" {
		d, err := duration.Parse(o.since)
		if err != nil {
			return f, fmt.Errorf("top: --since: %w", err)
		}
		f.SinceMS = sinceFromEnd(maxTMs, d)
	}
	if o.until != "" {
		d, err := duration.Parse(o.until)
		if err != nil {
			return f, fmt.Errorf("top: --until: %w", err)
		}
		f.UntilMS = sinceFromEnd(maxTMs, d)
	}
	return f, nil
}

// sinceFromEnd resolves a "last N duration" bound into the absolute
// checkpoint t_ms it names, floored at 0 so a duration longer than the
// recording itself still covers the whole thing.
func sinceFromEnd(maxTMs int64, d time.Duration) int64 {
	bound := maxTMs - d.Milliseconds()
	if bound < 0 {
		return 0
	}
	return bound
}

// applyThreshold drops rows whose value is below pct percent of the total
// across all returned rows.
func applyThreshold(rows []query.Row, pct float64) []query.Row {
	if pct <= 0 || len(rows) == 0 {
		return rows
	}
	var total int64
	for _, r := range rows {
		total += r.Value
	}
	if total == 0 {
		return rows
	}
	out := rows[:0]
	for _, r := range rows {
		if 100*float64(r.Value)/float64(total) >= pct {
			out = append(out, r)
		}
	}
	return out
}
