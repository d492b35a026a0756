// Package render formats query results for terminal output: the `top`
// command's ranked tables, the `view` command's live-replay refresh, and
// JSON/CSV alternate encodings.
//
// Table rendering uses text/tabwriter for column alignment; styling is
// plain ANSI SGR codes gated on NO_COLOR rather than a color library.
package render

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rsprof/rsprof/internal/rsprof/store/query"
)

const (
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
	ansiDim   = "\x1b[2m"
)

// Table renders rows as an aligned, tab-separated table to w. kind labels
// the value column ("SAMPLES" or "LIVE BYTES"). When color is false (NO_COLOR
// set, or w is not a terminal), the header is printed without ANSI styling.
func Table(w io.Writer, rows []query.Row, kind string, color bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	header := fmt.Sprintf("%s\tFILE\tLINE\tFUNCTION\tADDR", kind)
	if color {
		header = ansiBold + header + ansiReset
	}
	fmt.Fprintln(tw, header)

	for _, r := range rows {
		file := r.File
		if file == "" {
			file = "[unknown]"
		}
		fn := r.Function
		if fn == "" {
			fn = "[unknown]"
		}
		line := "-"
		if r.Line > 0 {
			line = fmt.Sprintf("%d", r.Line)
		}
		addr := fmt.Sprintf("0x%x", r.Addr)
		if color {
			addr = ansiDim + addr + ansiReset
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Value, file, line, fn, addr)
	}
	return tw.Flush()
}

// JSON renders rows as a JSON array to w.
func JSON(w io.Writer, rows []query.Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// CSV renders rows as CSV (value,file,line,function,addr) to w.
func CSV(w io.Writer, rows []query.Row) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"value", "file", "line", "function", "addr"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			fmt.Sprintf("%d", r.Value),
			r.File,
			fmt.Sprintf("%d", r.Line),
			r.Function,
			fmt.Sprintf("0x%x", r.Addr),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return cw.Error()
}

// RawTable renders the column/row output of query.Raw as an aligned table.
func RawTable(w io.Writer, columns []string, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, c := range columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprintf(tw, "%v", v)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// Status formats a one-line status summary, used by the `record` command's
// once-a-second status refresh.
func Status(state string, uptimeS float64, checkpoints int64, lossRate float64) string {
	return fmt.Sprintf("[%s] uptime=%.1fs checkpoints=%d loss=%.2f%%", state, uptimeS, checkpoints, lossRate*100)
}
