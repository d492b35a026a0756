// Package heap implements rsprof's Heap Tracker: uprobe/uretprobe attachment
// to a target process's allocator entry symbols, decoding the resulting
// ring-buffer events into heap.Event values for the Aggregator & Store.
//
// The tracker starts no goroutines of its own: it exposes its pollable
// ring-buffer descriptor via PollFD and consumes the ring non-blockingly
// via Drain, both called from the controller's single sampler thread, which
// multiplexes the ring alongside every CPU event descriptor in one
// short-timeout poll call.
//
//go:build linux

package heap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Kind distinguishes the three heap-event shapes the allocator probes
// report.
type Kind uint32

const (
	KindAlloc Kind = iota
	KindFree
	KindRealloc
)

// Event is one decoded allocator event: the attribution address is the
// runtime return address of the call site the BPF program captured via the
// allocator's caller frame (not yet load-normalized), and SizeDelta follows
// the heap_events
// table's convention (positive for growth, negative for shrink).
type Event struct {
	Addr      uint64
	Pointer   uint64
	SizeDelta int64
	Kind      Kind
}

const rawEventSize = 8 + 8 + 8 + 4 + 4 // addr, pointer, size_delta, kind, pad

// bpfObjectBytes holds the pre-compiled allocator-probe BPF object.
//
// In a standard build this is nil and Start returns a descriptive error.
// Building with -tags bpf_embedded (with alloc_probe.bpf.o placed in this
// directory) populates it via bpfobject_embed_linux.go's go:embed directive.
var bpfObjectBytes []byte

// Tracker owns the kernel-side probe attachment for one target process.
type Tracker struct {
	logger   *slog.Logger
	objBytes []byte

	mu       sync.Mutex
	obj      *bpfObject
	stopOnce sync.Once
}

// NewTracker constructs a Tracker; it does not attach anything until Start is
// called. If logger is nil, slog.Default() is used.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// SetBPFObject supplies the compiled allocator-probe object bytes to use,
// overriding the -tags bpf_embedded default. Must be called before Start.
func (t *Tracker) SetBPFObject(obj []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objBytes = obj
}

// Start attaches the allocator probes to pid. Calling Start on an
// already-attached Tracker is a no-op.
func (t *Tracker) Start(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.obj != nil {
		return nil
	}

	objBytes := t.objBytes
	if len(objBytes) == 0 {
		objBytes = bpfObjectBytes
	}
	if len(objBytes) == 0 {
		return fmt.Errorf("heap tracker: no allocator-probe BPF object available; " +
			"either build with -tags bpf_embedded or call SetBPFObject before Start")
	}

	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return fmt.Errorf("heap tracker: read executable path for pid %d: %w", pid, err)
	}

	obj, err := loadBPFObject(bytes.NewReader(objBytes), pid, exePath)
	if err != nil {
		return fmt.Errorf("heap tracker: load BPF object: %w", err)
	}
	t.obj = obj

	t.logger.Info("heap tracker attached",
		slog.Int("pid", pid),
		slog.String("mechanism", "uprobe+uretprobe/ringbuf"),
	)
	return nil
}

// PollFD returns the event ring buffer's pollable descriptor for the
// controller's poll set; ok is false when the tracker is not attached.
func (t *Tracker) PollFD() (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.obj == nil {
		return 0, false
	}
	return int32(t.obj.mapFDs["heap_events"]), true
}

// Drain consumes every committed event currently in the ring buffer without
// blocking, invoking emit per decoded event. Malformed records are skipped
// with a warning.
func (t *Tracker) Drain(emit func(Event)) {
	t.mu.Lock()
	obj := t.obj
	t.mu.Unlock()
	if obj == nil {
		return
	}

	for {
		sample, ok := obj.ringbuf.next()
		if !ok {
			return
		}

		if len(sample) != rawEventSize {
			t.logger.Warn("heap tracker: unexpected event size",
				slog.Int("got", len(sample)), slog.Int("want", rawEventSize))
			continue
		}

		var raw heapRawEvent
		if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &raw); err != nil {
			t.logger.Warn("heap tracker: decode event", slog.Any("error", err))
			continue
		}

		emit(Event{Addr: raw.Addr, Pointer: raw.Pointer, SizeDelta: raw.SizeDelta, Kind: Kind(raw.Kind)})
	}
}

// Aggregates snapshots the kernel-side per-callsite aggregate table, keyed
// by attribution address. Only valid between Start and Stop.
func (t *Tracker) Aggregates() (map[uint64]CallsiteStats, error) {
	t.mu.Lock()
	obj := t.obj
	t.mu.Unlock()
	if obj == nil {
		return nil, fmt.Errorf("heap tracker: not attached")
	}
	return dumpCallsiteStats(obj.mapFDs["callsite_stats"])
}

// Stop detaches the probes and releases every kernel resource. The
// per-callsite totals are logged before the maps are released. Safe to call
// more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		obj := t.obj
		t.obj = nil
		t.mu.Unlock()

		if obj == nil {
			return
		}
		if stats, err := dumpCallsiteStats(obj.mapFDs["callsite_stats"]); err == nil {
			var allocs, frees uint64
			for _, s := range stats {
				allocs += s.TotalAllocs
				frees += s.TotalFrees
			}
			t.logger.Info("heap tracker detached",
				slog.Int("callsites", len(stats)),
				slog.Uint64("total_allocs", allocs),
				slog.Uint64("total_frees", frees),
			)
		}
		obj.Close()
	})
}
