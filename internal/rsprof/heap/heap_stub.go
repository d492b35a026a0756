//go:build !linux

package heap

import (
	"errors"
	"log/slog"
)

// ErrNotSupported is returned by Tracker.Start on platforms other than
// Linux: rsprof's heap tracker depends on uprobe/uretprobe attachment via
// bpf(2) and perf_event_open(2), both Linux-only.
var ErrNotSupported = errors.New("heap: allocator probing is only supported on Linux")

// Kind mirrors the Linux build's event-kind enum so callers can type-check
// against this package regardless of GOOS.
type Kind uint32

const (
	KindAlloc Kind = iota
	KindFree
	KindRealloc
)

// Event mirrors the Linux build's decoded event shape.
type Event struct {
	Addr      uint64
	Pointer   uint64
	SizeDelta int64
	Kind      Kind
}

// CallsiteStats mirrors the Linux build's per-callsite aggregate shape.
type CallsiteStats struct {
	LiveBytes       int64
	TotalAllocs     uint64
	TotalFrees      uint64
	TotalAllocBytes uint64
	TotalFreeBytes  uint64
}

// Tracker is an unusable stand-in outside Linux.
type Tracker struct{}

func NewTracker(logger *slog.Logger) *Tracker { return &Tracker{} }

func (t *Tracker) SetBPFObject(obj []byte) {}

func (t *Tracker) Start(pid int) error { return ErrNotSupported }

func (t *Tracker) PollFD() (int32, bool) { return 0, false }

func (t *Tracker) Drain(emit func(Event)) {}

func (t *Tracker) Aggregates() (map[uint64]CallsiteStats, error) { return nil, ErrNotSupported }

func (t *Tracker) Stop() {}
