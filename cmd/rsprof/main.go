//go:build linux

// Command rsprof is a zero-instrumentation sampling profiler: it attaches
// to an already-running Linux process and records line-level on-CPU time
// and live heap bytes into a queryable SQLite-WAL file.
//
// It follows a cobra root-command shape (RunE closures, per-command flag
// sets, signal-driven graceful shutdown) with a slog
// bootstrap and exit-code convention shared across every subcommand.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

func main() {
	root := newRootCommand()
	root.SetArgs(withDefaultCommand(os.Args[1:]))
	if err := root.Execute(); err != nil {
		code := rerr.ExitCode(err)
		fmt.Fprintf(os.Stderr, "rsprof: %v\n", err)
		os.Exit(code)
	}
}

// withDefaultCommand makes record the default subcommand: an invocation that
// leads with a flag ("rsprof --pid 1234") is rewritten to
// "rsprof record --pid 1234". A bare "rsprof", help/completion requests, and
// explicit subcommands pass through unchanged.
func withDefaultCommand(args []string) []string {
	if len(args) == 0 {
		return args
	}
	first := args[0]
	if first == "-h" || first == "--help" || !strings.HasPrefix(first, "-") {
		return args
	}
	return append([]string{"record"}, args...)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rsprof",
		Short:         "Zero-instrumentation CPU and heap sampling profiler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRecordCommand())
	root.AddCommand(newTopCommand())
	root.AddCommand(newQueryCommand())
	root.AddCommand(newViewCommand())
	return root
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
