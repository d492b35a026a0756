//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsprof/rsprof/internal/rsprof/config"
	"github.com/rsprof/rsprof/internal/rsprof/controller"
	"github.com/rsprof/rsprof/internal/rsprof/duration"
	"github.com/rsprof/rsprof/internal/rsprof/heap"
	"github.com/rsprof/rsprof/internal/rsprof/procutil"
	"github.com/rsprof/rsprof/internal/rsprof/render"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
	"github.com/rsprof/rsprof/internal/rsprof/sampler"
	"github.com/rsprof/rsprof/internal/rsprof/store"
	"github.com/rsprof/rsprof/internal/rsprof/symbol"
)

type recordOpts struct {
	pid         int
	process     string
	output      string
	outputDir   string
	interval    string
	durationStr string
	cpuFreq     int
	quiet       bool
	noHeap      bool
	logLevel    string
}

func newRecordCommand() *cobra.Command {
	defaults := config.LoadDefaults()
	o := recordOpts{outputDir: defaults.OutputDir}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Attach to a running process and record CPU and heap samples (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), o)
		},
	}

	cmd.Flags().IntVar(&o.pid, "pid", 0, "target process id")
	cmd.Flags().StringVar(&o.process, "process", "", "target process name (rejected if ambiguous)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "output database path (default rsprof.<name>.<YYMMDDhhmmss>.db)")
	cmd.Flags().StringVar(&o.interval, "interval", defaults.Interval.String(), "checkpoint interval")
	cmd.Flags().StringVar(&o.durationStr, "duration", "", "recording duration (default unbounded)")
	cmd.Flags().IntVar(&o.cpuFreq, "cpu-freq", defaults.CPUFreqHz, "CPU sampling frequency in Hz")
	cmd.Flags().BoolVar(&o.quiet, "quiet", false, "suppress the live renderer")
	cmd.Flags().BoolVar(&o.noHeap, "no-heap", false, "disable heap tracking, CPU samples only")
	cmd.Flags().StringVar(&o.logLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")

	return cmd
}

func runRecord(ctx context.Context, o recordOpts) error {
	logger := newLogger(o.logLevel)
	slog.SetDefault(logger)

	pid, err := procutil.Resolve(o.pid, o.process)
	if err != nil {
		return err
	}

	name, err := procutil.Comm(pid)
	if err != nil {
		name = fmt.Sprintf("pid%d", pid)
	}

	exePath, err := procutil.ExePath(pid)
	if err != nil {
		return rerr.Newf(rerr.CodeNotFound, "record: read executable path for pid %d: %w", pid, err)
	}

	loadOffset, err := procutil.LoadOffset(pid, exePath)
	if err != nil {
		return rerr.Newf(rerr.CodeNotFound, "record: derive load offset: %w", err)
	}

	// symbol.New returns rerr.ErrNoDebugInfo (exit 5) for a stripped target;
	// other failures keep their own classification.
	resolver, err := symbol.New(pid, exePath, loadOffset)
	if err != nil {
		return fmt.Errorf("record: build symbol resolver: %w", err)
	}

	interval, err := duration.Parse(o.interval)
	if err != nil {
		return err
	}

	output := o.output
	if output == "" {
		output = config.OutputPath(o.outputDir, name, time.Now())
	}

	meta := map[string]string{
		"target_pid":          fmt.Sprintf("%d", pid),
		"target_name":         name,
		"target_exe":          exePath,
		"checkpoint_interval": interval.String(),
		"cpu_freq_hz":         fmt.Sprintf("%d", o.cpuFreq),
		"recording_start":     time.Now().Format(time.RFC3339),
	}

	st, err := store.Open(output, meta)
	if err != nil {
		return err
	}
	defer st.Close()

	// sampler.New classifies perf_event_open permission denials itself
	// (rerr.CodePermission plus the paranoia remediation text).
	cpu, err := sampler.New(pid, o.cpuFreq)
	if err != nil {
		return fmt.Errorf("record: start CPU sampler: %w", err)
	}

	opts := []controller.Option{
		controller.WithCPUSampler(cpu),
		controller.WithStore(st),
		controller.WithResolver(resolver),
		controller.WithInterval(interval),
		controller.WithLoadOffset(loadOffset),
	}

	if !o.noHeap {
		heapT := heap.NewTracker(logger)
		if err := heapT.Start(pid); err != nil {
			logger.Warn("heap tracker unavailable, continuing in CPU-only mode", slog.Any("error", err))
		} else {
			opts = append(opts, controller.WithHeapTracker(heapT))
		}
	}

	ctrl := controller.New(pid, logger, opts...)

	runCtx, stop := signalDrainContext(ctx, logger)
	defer stop()

	if o.durationStr != "" {
		bound, err := duration.Parse(o.durationStr)
		if err != nil {
			return err
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, bound)
		defer cancel()
	}

	logger.Info("recording started",
		slog.Int("pid", pid),
		slog.String("target", name),
		slog.String("output", output),
		slog.Int("cpu_freq_hz", o.cpuFreq),
		slog.Duration("interval", interval),
	)

	if !o.quiet {
		go printStatusLoop(runCtx, ctrl)
	}

	if err := ctrl.Run(runCtx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "recording written to %s\n", output)
	return nil
}

// signalDrainContext returns a context cancelled on the first SIGINT/SIGTERM,
// which moves the controller into its draining state so it can flush the
// final checkpoint before exiting. SIGQUIT exits the process immediately and
// skips that flush, losing at most the last checkpoint interval; so does a
// second SIGINT/SIGTERM — the operator has already asked once and is telling
// rsprof to stop waiting.
func signalDrainContext(ctx context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGQUIT {
				logger.Warn("quit signal received, exiting without final flush")
				os.Exit(131)
			}
			logger.Info("signal received, draining", slog.String("signal", sig.String()))
			cancel()
			break
		}

		if sig2, ok := <-sigCh; ok {
			logger.Warn("second signal received, exiting without final flush", slog.String("signal", sig2.String()))
			os.Exit(130)
		}
	}()

	return runCtx, func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}
}

// printStatusLoop prints a one-line status refresh every second until ctx is
// cancelled, giving a live view of checkpoint progress and loss rate in the
// terminal. Suppressed by --quiet.
func printStatusLoop(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ctrl.Snapshot()
			fmt.Fprintf(os.Stderr, "\r%s", render.Status(s.State.String(), s.UptimeS, s.Checkpoints, s.LossRate))
		}
	}
}
