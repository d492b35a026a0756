// CPU sampler for rsprof: one PERF_TYPE_SOFTWARE/PERF_COUNT_SW_CPU_CLOCK
// perf event per thread of the target process, read through an mmap'd
// classic perf ring buffer.
//
// The per-thread attach sequence opens the perf event disabled and enables
// it only after the ring is mapped, using unix.PerfEventOpen/IoctlSetInt.
// The sampler itself starts no goroutines: it exposes its descriptors via
// PollFDs and consumes rings non-blockingly via Drain, both called from the
// controller's single sampler thread, which multiplexes every descriptor
// (and the heap tracker's ring buffer) through one short-timeout poll call.
// The ring-buffer drain follows the same mmap'd control-region,
// atomic consumer/producer-position, wrap-around-copy shape used for the
// heap tracker's ring buffer, but against the classic perf_event_mmap_page
// ABI instead of the BPF ringbuf ABI: records are
// perf_event_header{type, misc, size} followed by a
// PERF_SAMPLE_IP/PERF_SAMPLE_TID payload rather than a length-prefixed
// busy/discard record.
//
//go:build linux

package sampler

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rsprof/rsprof/internal/rsprof/procutil"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

// Event is one CPU sample: the instruction pointer captured when tid was
// interrupted by the perf clock, load-normalized by the caller before
// attribution.
type Event struct {
	Addr uint64
	TID  int
}

// ringPages is the number of data pages behind each thread's ring buffer
// (plus one metadata page), a power of two per the perf_event_open mmap
// contract.
const ringPages = 64

// Sampler owns one perf-event descriptor and ring buffer per thread of a
// single target process. It holds no goroutines of its own; the
// controller's sampler thread polls the descriptors and calls Drain.
type Sampler struct {
	pid    int
	freqHz int

	mu      sync.Mutex
	threads map[int]*threadRing // tid -> ring

	lost  atomic.Uint64
	total atomic.Uint64
}

type threadRing struct {
	tid  int
	fd   int
	ring *perfRing
}

// New attaches to every current thread of pid, sampling at freqHz. Threads
// created afterward are picked up by Rescan, which the controller calls once
// per checkpoint tick.
func New(pid int, freqHz int) (*Sampler, error) {
	if freqHz <= 0 {
		freqHz = 99
	}
	s := &Sampler{
		pid:     pid,
		freqHz:  freqHz,
		threads: make(map[int]*threadRing),
	}

	tids, err := procutil.Threads(pid)
	if err != nil {
		return nil, fmt.Errorf("sampler: list threads of pid %d: %w", pid, err)
	}
	var lastErr error
	for _, tid := range tids {
		// best-effort: a thread that exits mid-attach is simply skipped
		if err := s.attach(tid); err != nil {
			lastErr = err
		}
	}
	if len(s.threads) == 0 {
		if isPermissionError(lastErr) {
			return nil, permissionError(lastErr)
		}
		return nil, fmt.Errorf("sampler: failed to attach to any thread of pid %d: %w", pid, lastErr)
	}
	return s, nil
}

// isPermissionError reports whether err is an EACCES/EPERM from the
// perf_event_open syscall, as opposed to e.g. a thread having already
// exited (ESRCH).
func isPermissionError(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

// permissionError wraps a perf_event_open permission failure with the
// kernel's current perf_event_paranoid setting and remediation text, per
// the controller's attach-time permission check.
func permissionError(err error) error {
	paranoia, readErr := readParanoia()
	msg := fmt.Sprintf("sampler: perf_event_open denied (perf_event_paranoid=%s): %v; "+
		"lower /proc/sys/kernel/perf_event_paranoid or grant CAP_PERFMON (or CAP_SYS_ADMIN on older kernels)",
		paranoia, err)
	if readErr != nil {
		msg = fmt.Sprintf("sampler: perf_event_open denied: %v; "+
			"relax perf_event_paranoid or grant CAP_PERFMON (or CAP_SYS_ADMIN)", err)
	}
	return rerr.WithCode(rerr.CodePermission, errors.New(msg))
}

// readParanoia reads the kernel's current perf_event_paranoid setting. It
// is read only by permissionError, after every attach attempt has failed
// with a permission error, not before opening any event: a stricter value
// explains an otherwise opaque EACCES.
func readParanoia() (string, error) {
	b, err := os.ReadFile("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// attach opens a disabled perf event for tid, mmaps its ring buffer, and
// enables sampling. A thread that races its own exit is not fatal to the
// sampler as a whole; New classifies the last error across all attach
// attempts to distinguish a permission failure from a benign per-thread
// race.
func (s *Sampler) attach(tid int) error {
	attr := &unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample: uint64(s.freqHz),
		Bits:   unix.PerfBitFreq | unix.PerfBitInherit | unix.PerfBitDisabled | unix.PerfBitExcludeHv,
	}
	attr.Sample_type = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID

	fd, err := unix.PerfEventOpen(attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return err
	}

	ring, err := newPerfRing(fd, ringPages)
	if err != nil {
		unix.Close(fd)
		return err
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		ring.close()
		unix.Close(fd)
		return err
	}

	s.mu.Lock()
	s.threads[tid] = &threadRing{tid: tid, fd: fd, ring: ring}
	s.mu.Unlock()
	return nil
}

// Rescan re-lists /proc/<pid>/task and attaches any thread not already
// tracked. Dead threads are reaped by CloseExited when the poll loop
// reports their descriptor hung up.
func (s *Sampler) Rescan() error {
	tids, err := procutil.Threads(s.pid)
	if err != nil {
		return fmt.Errorf("sampler: rescan pid %d: %w", s.pid, err)
	}
	for _, tid := range tids {
		s.mu.Lock()
		_, tracked := s.threads[tid]
		s.mu.Unlock()
		if !tracked {
			s.attach(tid)
		}
	}
	return nil
}

// PollFDs returns the current per-thread event descriptors for the
// controller's poll set.
func (s *Sampler) PollFDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fds := make([]int32, 0, len(s.threads))
	for _, tr := range s.threads {
		fds = append(fds, int32(tr.fd))
	}
	return fds
}

// Drain consumes every record currently published in every thread's ring
// buffer without blocking, invoking emit per sample. Lost-record counts are
// accumulated for LossRate instead of emitted.
func (s *Sampler) Drain(emit func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.threads {
		for {
			rec, ok := tr.ring.next()
			if !ok {
				break
			}
			switch rec.kind {
			case perfRecordSample:
				s.total.Add(1)
				emit(Event{Addr: rec.ip, TID: int(rec.tid)})
			case perfRecordLost:
				s.lost.Add(rec.lostCount)
			}
		}
	}
}

// CloseExited releases the descriptors the poll loop reported hung up
// (their thread exited). Callers drain before closing, so any records still
// in those rings have already been consumed.
func (s *Sampler) CloseExited(fds []int32) {
	if len(fds) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fd := range fds {
		for tid, tr := range s.threads {
			if int32(tr.fd) != fd {
				continue
			}
			tr.ring.close()
			unix.Close(tr.fd)
			delete(s.threads, tid)
			break
		}
	}
}

// LossRate returns lost/(lost+samples), the ratio the controller surfaces in
// its status snapshot and warns on above 1%.
func (s *Sampler) LossRate() float64 {
	lost := s.lost.Load()
	total := s.total.Load()
	if lost+total == 0 {
		return 0
	}
	return float64(lost) / float64(lost+total)
}

// Stop unmaps every ring buffer and closes every descriptor.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tid, tr := range s.threads {
		tr.ring.close()
		unix.Close(tr.fd)
		delete(s.threads, tid)
	}
	return nil
}

// ─── classic perf ring buffer ──────────────────────────────────────────────
//
// Offsets into struct perf_event_mmap_page from <linux/perf_event.h>. Never
// change.

const (
	perfDataHeadOffset = 1024
	perfDataTailOffset = 1032

	perfRecordSampleType uint32 = 9 // PERF_RECORD_SAMPLE
	perfRecordLostType   uint32 = 2 // PERF_RECORD_LOST
)

type perfRecordKind int

const (
	perfRecordSample perfRecordKind = iota
	perfRecordLost
	perfRecordOther
)

type perfRecord struct {
	kind      perfRecordKind
	ip        uint64
	tid       uint32
	lostCount uint64
}

// perfRing mmaps one perf event fd's ring buffer: a metadata page followed
// by a power-of-two-sized data region.
type perfRing struct {
	full []byte // the whole mmap'd region; meta and data are sub-slices of it
	meta []byte
	data []byte
	mask uint64
}

func newPerfRing(fd int, dataPages int) (*perfRing, error) {
	pageSize := os.Getpagesize()
	dataSize := dataPages * pageSize

	full, err := syscall.Mmap(fd, 0, pageSize+dataSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap perf ring: %w", err)
	}

	return &perfRing{
		full: full,
		meta: full[:pageSize],
		data: full[pageSize:],
		mask: uint64(dataSize - 1),
	}, nil
}

func (r *perfRing) dataHead() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.meta[perfDataHeadOffset]))
}

func (r *perfRing) dataTail() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.meta[perfDataTailOffset]))
}

// next parses and returns the next published record without blocking,
// advancing the consumer (tail) position; ok is false when the ring is
// empty. Record types other than sample/lost (e.g. PERF_RECORD_THROTTLE)
// are consumed and skipped.
func (r *perfRing) next() (perfRecord, bool) {
	for {
		head := atomic.LoadUint64(r.dataHead())
		tail := atomic.LoadUint64(r.dataTail())
		if head == tail {
			return perfRecord{}, false
		}

		off := tail & r.mask
		hdr := r.readHeader(off)
		advance := uint64(hdr.size)

		rec := perfRecord{kind: perfRecordOther}
		switch hdr.eventType {
		case perfRecordSampleType:
			rec.kind = perfRecordSample
			rec.ip = r.readUint64(off + 8)
			// PERF_SAMPLE_TID payload is a (pid,tid) uint32 pair immediately
			// following the ip, per the sample_type bit ordering (IP, then
			// TID) set at attr construction time.
			rec.tid = r.readUint32(off + 8 + 8 + 4)
		case perfRecordLostType:
			rec.kind = perfRecordLost
			rec.lostCount = r.readUint64(off + 8 + 8)
		}

		atomic.StoreUint64(r.dataTail(), tail+advance)
		if rec.kind != perfRecordOther {
			return rec, true
		}
	}
}

type perfHeader struct {
	eventType uint32
	misc      uint16
	size      uint16
}

func (r *perfRing) readHeader(off uint64) perfHeader {
	return perfHeader{
		eventType: r.readUint32(off),
		misc:      r.readUint16(off + 4),
		size:      r.readUint16(off + 6),
	}
}

func (r *perfRing) readUint32(off uint64) uint32 {
	var b [4]byte
	r.copyFrom(b[:], off)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *perfRing) readUint16(off uint64) uint16 {
	var b [2]byte
	r.copyFrom(b[:], off)
	return uint16(b[0]) | uint16(b[1])<<8
}

func (r *perfRing) readUint64(off uint64) uint64 {
	var b [8]byte
	r.copyFrom(b[:], off)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// copyFrom reads len(dst) bytes starting at the wrapped offset off into dst,
// handling ring wrap-around.
func (r *perfRing) copyFrom(dst []byte, off uint64) {
	start := off & r.mask
	n := uint64(len(dst))
	if start+n <= uint64(len(r.data)) {
		copy(dst, r.data[start:start+n])
		return
	}
	first := uint64(len(r.data)) - start
	copy(dst, r.data[start:])
	copy(dst[first:], r.data[:n-first])
}

func (r *perfRing) close() {
	_ = syscall.Munmap(r.full)
}
