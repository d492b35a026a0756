//go:build linux

package sampler

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

// fakeRing builds a perfRing over a plain byte slice (not a real mmap) so the
// record-parsing logic can be tested without opening a perf event.
func fakeRing(t *testing.T, dataPages int) *perfRing {
	t.Helper()
	pageSize := 4096
	dataSize := dataPages * pageSize
	full := make([]byte, pageSize+dataSize)
	return &perfRing{
		full: full,
		meta: full[:pageSize],
		data: full[pageSize:],
		mask: uint64(dataSize - 1),
	}
}

func writeSampleRecord(r *perfRing, off uint64, ip uint64, tid uint32) uint64 {
	const size = 24 // header(8) + ip(8) + pid/tid(8)
	putHeader(r, off, perfRecordSampleType, uint16(size))
	putUint64(r, off+8, ip)
	pidTid := make([]byte, 8)
	binary.LittleEndian.PutUint32(pidTid[0:4], tid) // pid (ignored by the reader)
	binary.LittleEndian.PutUint32(pidTid[4:8], tid)
	copyTo(r, off+16, pidTid)
	return size
}

func putHeader(r *perfRing, off uint64, eventType uint32, size uint16) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], eventType)
	binary.LittleEndian.PutUint16(b[4:6], 0)
	binary.LittleEndian.PutUint16(b[6:8], size)
	copyTo(r, off, b)
}

func putUint64(r *perfRing, off uint64, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	copyTo(r, off, b)
}

func copyTo(r *perfRing, off uint64, b []byte) {
	start := off & r.mask
	n := uint64(len(b))
	if start+n <= uint64(len(r.data)) {
		copy(r.data[start:], b)
		return
	}
	first := uint64(len(r.data)) - start
	copy(r.data[start:], b[:first])
	copy(r.data[:n-first], b[first:])
}

func setTestHead(r *perfRing, v uint64) {
	*r.dataHead() = v
}

func TestNext_Sample(t *testing.T) {
	r := fakeRing(t, 1)
	size := writeSampleRecord(r, 0, 0xdeadbeef, 42)
	setTestHead(r, size)

	rec, ok := r.next()
	if !ok {
		t.Fatal("next: expected a record")
	}
	if rec.kind != perfRecordSample || rec.ip != 0xdeadbeef || rec.tid != 42 {
		t.Errorf("next = %+v, want sample ip=0xdeadbeef tid=42", rec)
	}
}

func TestNext_Lost(t *testing.T) {
	r := fakeRing(t, 1)
	const size = 24 // header(8) + id(8) + lost(8)
	putHeader(r, 0, perfRecordLostType, size)
	putUint64(r, 8, 0)  // id
	putUint64(r, 16, 7) // lost count
	setTestHead(r, size)

	rec, ok := r.next()
	if !ok {
		t.Fatal("next: expected a record")
	}
	if rec.kind != perfRecordLost || rec.lostCount != 7 {
		t.Errorf("next = %+v, want lost count=7", rec)
	}
}

func TestNext_EmptyRingReturnsFalse(t *testing.T) {
	r := fakeRing(t, 1) // head == tail: nothing published
	if _, ok := r.next(); ok {
		t.Error("next on an empty ring should report no record, not block")
	}
}

func TestNext_WrapAround(t *testing.T) {
	r := fakeRing(t, 1) // one page: 4096 bytes, mask = 4095
	// Place the write near the end of the data region so the ip field wraps.
	off := uint64(len(r.data)) - 12
	size := writeSampleRecord(r, off, 0xaabbccdd, 99)
	*r.dataTail() = off
	setTestHead(r, off+size)

	rec, ok := r.next()
	if !ok {
		t.Fatal("next: expected a record")
	}
	if rec.ip != 0xaabbccdd || rec.tid != 99 {
		t.Errorf("next across wrap = %+v, want ip=0xaabbccdd tid=99", rec)
	}
}

func TestDrain_EmitsSamplesAndCountsLoss(t *testing.T) {
	r := fakeRing(t, 1)
	off := writeSampleRecord(r, 0, 0x1000, 1)
	off += writeSampleRecord(r, off, 0x2000, 2)
	const lostSize = 24
	putHeader(r, off, perfRecordLostType, lostSize)
	putUint64(r, off+8, 0)
	putUint64(r, off+16, 3)
	setTestHead(r, off+lostSize)

	s := &Sampler{threads: map[int]*threadRing{7: {tid: 7, fd: -1, ring: r}}}

	var got []Event
	s.Drain(func(e Event) { got = append(got, e) })

	if len(got) != 2 || got[0].Addr != 0x1000 || got[1].Addr != 0x2000 {
		t.Errorf("Drain emitted %+v, want [0x1000, 0x2000]", got)
	}
	if s.lost.Load() != 3 || s.total.Load() != 2 {
		t.Errorf("lost/total = %d/%d, want 3/2", s.lost.Load(), s.total.Load())
	}
	// The ring is now empty; a second drain emits nothing.
	s.Drain(func(e Event) { t.Errorf("unexpected event after full drain: %+v", e) })
}

func TestIsPermissionError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{unix.EACCES, true},
		{unix.EPERM, true},
		{unix.ESRCH, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isPermissionError(c.err); got != c.want {
			t.Errorf("isPermissionError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestPermissionError_CarriesCode(t *testing.T) {
	err := permissionError(unix.EACCES)
	if rerr.Of(err) != rerr.CodePermission {
		t.Errorf("rerr.Of(err) = %v, want %v", rerr.Of(err), rerr.CodePermission)
	}
}
