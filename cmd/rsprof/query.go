//go:build linux

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsprof/rsprof/internal/rsprof/render"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
)

func newQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <file> <sql>",
		Short: "Run a raw read-only SQL query against a recorded file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), args[0], args[1])
		},
	}
}

func runQuery(ctx context.Context, path, sqlText string) error {
	db, err := store.OpenReadOnly(path)
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}
	defer db.Close()

	columns, rows, err := query.Raw(ctx, db, sqlText)
	if err != nil {
		return rerr.WithCode(rerr.CodeStore, err)
	}
	return render.RawTable(os.Stdout, columns, rows)
}
