//go:build linux

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsprof/rsprof/internal/rsprof/config"
	"github.com/rsprof/rsprof/internal/rsprof/render"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
)

type viewOpts struct {
	top     int
	refresh string
	kind    string
}

func newViewCommand() *cobra.Command {
	var o viewOpts
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Live-replay a recording: re-run the top query against a file as it grows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.Context(), args[0], o)
		},
	}
	cmd.Flags().StringVar(&o.kind, "kind", "cpu", "cpu|heap")
	cmd.Flags().IntVar(&o.top, "top", 10, "number of rows to show per refresh")
	cmd.Flags().StringVar(&o.refresh, "refresh", "1s", "refresh interval")
	return cmd
}

func runView(ctx context.Context, path string, o viewOpts) error {
	if o.kind != "cpu" && o.kind != "heap" {
		return rerr.Newf(rerr.CodeInvalidArgs, "view: --kind must be %q or %q", "cpu", "heap")
	}
	refresh, err := time.ParseDuration(o.refresh)
	if err != nil {
		return rerr.Newf(rerr.CodeInvalidArgs, "view: --refresh: %w", err)
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	label := "SAMPLES"
	if o.kind == "heap" {
		label = "LIVE BYTES"
	}

	for {
		if err := refreshView(ctx, db, o, label); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refreshView runs one top query and redraws the terminal in place, clearing
// the screen first so each refresh replaces the previous frame rather than
// scrolling.
func refreshView(ctx context.Context, db *sql.DB, o viewOpts, label string) error {
	var rows []query.Row
	var err error
	if o.kind == "cpu" {
		rows, err = query.TopCPU(ctx, db, query.Filter{Limit: o.top})
	} else {
		rows, err = query.TopHeapLive(ctx, db, query.Filter{Limit: o.top})
	}
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}

	fmt.Fprint(os.Stdout, "\x1b[2J\x1b[H")
	fmt.Fprintf(os.Stdout, "rsprof view — %s\n\n", time.Now().Format(time.TimeOnly))
	return render.Table(os.Stdout, rows, label, config.ShouldStyle())
}
