// Package controller implements rsprof's lifecycle state machine: it owns
// the CPU sampler and heap tracker for one attached target process, drains
// their events into the store, and drives the
// Discovering → Attaching → Running → Draining → Closed lifecycle.
//
// It is grounded on internal/agent/agent.go's orchestrator shape —
// functional-option construction, a mutex-guarded lifecycle, Start/Stop
// semantics — generalized from "watchers + queue + transport" to "CPU
// sampler + heap tracker + store" and from a boolean running flag to an
// explicit five-state enum. Acquisition runs on a single sampler goroutine:
// one short-timeout poll call multiplexes every per-thread CPU event
// descriptor and the heap tracker's ring buffer, and the checkpoint commit
// happens on that same goroutine, so the store's writer connection and the
// pending aggregation maps are only ever touched by the sampler thread.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rsprof/rsprof/internal/rsprof/heap"
	"github.com/rsprof/rsprof/internal/rsprof/sampler"
	"github.com/rsprof/rsprof/internal/rsprof/store"
)

// State is one stage of the controller's lifecycle.
type State int32

const (
	StateDiscovering State = iota
	StateAttaching
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pollTimeoutMS bounds every poll call so cancellation is observed within
// one tick.
const pollTimeoutMS = 10

// CPUSampler is the subset of *sampler.Sampler the controller needs, kept
// narrow so tests can supply a stub.
type CPUSampler interface {
	PollFDs() []int32
	Drain(emit func(sampler.Event))
	CloseExited(fds []int32)
	Rescan() error
	LossRate() float64
	Stop() error
}

// HeapTracker is the subset of *heap.Tracker the controller needs.
type HeapTracker interface {
	PollFD() (int32, bool)
	Drain(emit func(heap.Event))
	Stop()
}

// Store is the subset of *store.Store the controller needs.
type Store interface {
	PushCPU(addr uint64)
	PushHeap(addr uint64, allocBytes, freeBytes int64)
	Tick(ctx context.Context, resolver Resolver, tMS int64) (int64, error)
	Close() error
}

// Resolver is the subset of *symbol.Resolver the controller needs. It is the
// same interface store.Store.Tick expects, kept as an alias so *store.Store
// satisfies the Store interface below.
type Resolver = store.Resolver

// Controller owns one target process's full recording pipeline: a CPU
// sampler, an optional heap tracker, and the store they feed.
type Controller struct {
	logger   *slog.Logger
	pid      int
	interval time.Duration

	cpu   CPUSampler
	heapT HeapTracker // nil when --no-heap or unavailable
	store Store
	res   Resolver

	// loadOffset is the target's runtime base address, subtracted from every
	// raw CPU instruction pointer and every heap attribution address before
	// it is pushed to the store. Both sources report runtime addresses.
	loadOffset uint64

	state     atomic.Int32
	startTime time.Time

	mu           sync.Mutex
	cancel       context.CancelFunc
	stopOnce     sync.Once
	wg           sync.WaitGroup
	checkpoints  atomic.Int64
	lastTickDone atomic.Int64 // t_ms of the last successful Tick

	cpuEvents    atomic.Int64
	heapEvents   atomic.Int64
	allocChecked bool // set after the first tick's allocator sanity check
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithCPUSampler registers the CPU sampler; required for Run to produce any
// data.
func WithCPUSampler(s CPUSampler) Option { return func(c *Controller) { c.cpu = s } }

// WithHeapTracker registers the heap tracker. Optional: a nil tracker means
// rsprof records CPU samples only.
func WithHeapTracker(h HeapTracker) Option { return func(c *Controller) { c.heapT = h } }

// WithStore registers the store that receives PushCPU/PushHeap/Tick calls.
func WithStore(st Store) Option { return func(c *Controller) { c.store = st } }

// WithResolver registers the symbol resolver passed to every Tick.
func WithResolver(r Resolver) Option { return func(c *Controller) { c.res = r } }

// WithInterval overrides the checkpoint interval (default 1s).
func WithInterval(d time.Duration) Option { return func(c *Controller) { c.interval = d } }

// WithLoadOffset sets the target's load offset, subtracted from every raw
// CPU sample address and heap attribution address before it reaches the
// store.
func WithLoadOffset(off uint64) Option { return func(c *Controller) { c.loadOffset = off } }

// New constructs a Controller for pid. The CPU sampler, heap tracker, and
// store are expected to already be attached/opened by the caller (the
// controller does not construct them, since attachment failures need to
// surface before Run, per spec §4.5's explicit Attaching state).
func New(pid int, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		pid:      pid,
		logger:   logger,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(StateDiscovering))
	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Run transitions Discovering → Attaching → Running, starts the sampler
// goroutine, and blocks until ctx is cancelled, at which point it
// transitions through Draining (one final drain and Tick to flush pending
// samples) to Closed before returning.
func (c *Controller) Run(ctx context.Context) error {
	if c.cpu == nil {
		return fmt.Errorf("controller: no CPU sampler attached")
	}
	if c.store == nil {
		return fmt.Errorf("controller: no store attached")
	}
	if c.res == nil {
		return fmt.Errorf("controller: no symbol resolver attached")
	}

	c.state.Store(int32(StateAttaching))
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.startTime = time.Now()
	c.state.Store(int32(StateRunning))
	c.logger.Info("controller running",
		slog.Int("pid", c.pid),
		slog.Duration("interval", c.interval),
	)

	c.wg.Add(1)
	go c.samplerLoop(runCtx)

	<-runCtx.Done()

	c.state.Store(int32(StateDraining))
	c.wg.Wait()
	c.finalFlush()

	c.state.Store(int32(StateClosed))
	c.logger.Info("controller closed", slog.Int64("checkpoints", c.checkpoints.Load()))
	return nil
}

// Stop cancels the running context, causing Run to begin its Draining
// sequence and return. Safe to call multiple times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// samplerLoop is the recording's sampler thread: one short-timeout poll
// over every CPU event descriptor and the heap-event ring buffer, a
// non-blocking drain of whatever the poll surfaced, and the checkpoint
// commit once the interval has elapsed. Everything that touches the pending
// maps or the writer connection happens here.
func (c *Controller) samplerLoop(ctx context.Context) {
	defer c.wg.Done()

	lastTick := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		c.pollAndDrain()

		if time.Since(lastTick) >= c.interval {
			c.tick(ctx)
			lastTick = time.Now()
		}
	}
}

// pollAndDrain blocks in a single poll call across every event descriptor
// and the heap ring, bounded by pollTimeoutMS, then drains both sources.
// Descriptors the poll reports hung up belong to exited threads and are
// closed after the drain.
func (c *Controller) pollAndDrain() {
	cpuFDs := c.cpu.PollFDs()
	pfds := make([]unix.PollFd, 0, len(cpuFDs)+1)
	for _, fd := range cpuFDs {
		pfds = append(pfds, unix.PollFd{Fd: fd, Events: unix.POLLIN})
	}
	nCPU := len(pfds)
	if c.heapT != nil {
		if fd, ok := c.heapT.PollFD(); ok {
			pfds = append(pfds, unix.PollFd{Fd: fd, Events: unix.POLLIN})
		}
	}

	if len(pfds) == 0 {
		time.Sleep(pollTimeoutMS * time.Millisecond)
	} else if _, err := unix.Poll(pfds, pollTimeoutMS); err != nil && err != unix.EINTR {
		c.logger.Warn("controller: poll failed", slog.Any("error", err))
		time.Sleep(pollTimeoutMS * time.Millisecond)
	}

	c.cpu.Drain(c.applyCPUEvent)

	var exited []int32
	for _, p := range pfds[:nCPU] {
		if p.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			exited = append(exited, p.Fd)
		}
	}
	if len(exited) > 0 {
		c.cpu.CloseExited(exited)
	}

	if c.heapT != nil {
		c.heapT.Drain(c.applyHeapEvent)
	}
}

func (c *Controller) applyCPUEvent(evt sampler.Event) {
	c.cpuEvents.Add(1)
	c.store.PushCPU(evt.Addr - c.loadOffset)
}

// applyHeapEvent maps one decoded allocator event onto the store's
// alloc_bytes/free_bytes convention.
func (c *Controller) applyHeapEvent(evt heap.Event) {
	c.heapEvents.Add(1)
	addr := evt.Addr - c.loadOffset
	switch {
	case evt.SizeDelta >= 0:
		c.store.PushHeap(addr, evt.SizeDelta, 0)
	default:
		c.store.PushHeap(addr, 0, -evt.SizeDelta)
	}
}

func (c *Controller) tick(ctx context.Context) {
	if err := c.cpu.Rescan(); err != nil {
		c.logger.Warn("controller: thread rescan failed", slog.Any("error", err))
	}

	tMS := time.Since(c.startTime).Milliseconds()
	if _, err := c.store.Tick(ctx, c.res, tMS); err != nil {
		c.logger.Warn("controller: tick failed", slog.Any("error", err))
		return
	}
	c.checkpoints.Add(1)
	c.lastTickDone.Store(tMS)

	if loss := c.cpu.LossRate(); loss > 0.01 {
		c.logger.Warn("controller: sample loss exceeds 1%",
			slog.Float64("loss_rate", loss),
		)
	}

	// After the first full interval: a target that is observably running
	// (CPU samples arrived) but produced zero allocator events is probably
	// not routing allocations through the probed allocator entry points.
	if !c.allocChecked {
		c.allocChecked = true
		if c.heapT != nil && c.heapEvents.Load() == 0 && c.cpuEvents.Load() > 0 {
			c.logger.Warn("controller: no allocator events in first interval; " +
				"target may use an allocator that bypasses the probed entry points")
		}
	}
}

// finalFlush drains whatever both sources still hold, runs one last Tick
// with a fresh background context (the running context is already
// cancelled) so no samples accumulated just before shutdown are dropped,
// then stops the sampler and tracker.
func (c *Controller) finalFlush() {
	c.cpu.Drain(c.applyCPUEvent)
	if c.heapT != nil {
		c.heapT.Drain(c.applyHeapEvent)
	}

	tMS := time.Since(c.startTime).Milliseconds()
	if _, err := c.store.Tick(context.Background(), c.res, tMS); err != nil {
		c.logger.Warn("controller: final flush failed", slog.Any("error", err))
	} else {
		c.checkpoints.Add(1)
	}

	if err := c.cpu.Stop(); err != nil {
		c.logger.Warn("controller: cpu sampler stop failed", slog.Any("error", err))
	}
	if c.heapT != nil {
		c.heapT.Stop()
	}
}

// Status is a point-in-time snapshot of the controller's health, surfaced
// by the `rsprof record` status line (suppressed by --quiet).
type Status struct {
	State       State
	UptimeS     float64
	Checkpoints int64
	LossRate    float64
}

// Snapshot returns the controller's current Status.
func (c *Controller) Snapshot() Status {
	var loss float64
	if c.cpu != nil {
		loss = c.cpu.LossRate()
	}
	return Status{
		State:       c.State(),
		UptimeS:     time.Since(c.startTime).Seconds(),
		Checkpoints: c.checkpoints.Load(),
		LossRate:    loss,
	}
}
