// BPF object loader and ring-buffer reader for rsprof's heap tracker.
//
// Raw-syscall ELF parsing, a BPF_MAP_CREATE/BPF_PROG_LOAD sequence, and an
// mmap'd ring-buffer reader, applied to uprobe/uretprobe attachment on the
// target's allocator entry symbols rather than tracepoints. All BPF
// operations use raw Linux syscalls so this package needs no external eBPF
// library.
//
//go:build linux

package heap

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// ─── BPF syscall constants ─────────────────────────────────────────────────
//
// Values from <linux/bpf.h>. Never change.

const (
	bpfCmdMapCreate     uintptr = 0
	bpfCmdMapLookupElem uintptr = 1
	bpfCmdMapGetNextKey uintptr = 4
	bpfCmdProgLoad      uintptr = 5

	bpfMapTypeHash      uint32 = 1
	bpfMapTypeArray     uint32 = 2
	bpfMapTypePerCPU    uint32 = 6
	bpfMapTypeRingBuf   uint32 = 27
	bpfProgTypeKprobe   uint32 = 2
	bpfOpLdImm64        uint8  = 0x18
	bpfPseudoMapFD      uint8  = 1
	bpfRingBufBusyBit   uint32 = 1 << 31
	bpfRingBufDiscard   uint32 = 1 << 30
	bpfRingBufHdrSize   uint32 = 8
	bpfLogLevel         uint32 = 1
)

// ─── Perf event constants ──────────────────────────────────────────────────

const (
	perfTypeTracepoint uint32 = 1

	perfEventIOCEnable = 0x00002400
	perfEventIOCSetBPF = 0x40042408

	uprobeEventsPath = "/sys/kernel/debug/tracing/uprobe_events"
	uprobeIDPathFmt  = "/sys/kernel/debug/tracing/events/uprobes/%s/id"
)

func bpfSyscall(cmd uintptr, attr unsafe.Pointer, attrSize uintptr) (int, error) {
	fd, _, errno := syscall.RawSyscall(sysBPF, cmd, uintptr(attr), attrSize)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int) (int, error) {
	fd, _, errno := syscall.RawSyscall6(
		syscall.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid), uintptr(cpu), uintptr(groupFD), 0, 0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioctlFd(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

type bpfMapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
	_          [76]byte
}

type bpfProgLoadAttr struct {
	progType           uint32
	insnCnt            uint32
	insns              uint64
	license            uint64
	logLevel           uint32
	logSize            uint32
	logBuf             uint64
	kernVersion        uint32
	progFlags          uint32
	progName           [16]byte
	progIfindex        uint32
	expectedAttachType uint32
	progBTFFd          uint32
	funcInfoRecSize    uint32
	funcInfo           uint64
	funcInfoCnt        uint32
	lineInfoRecSize    uint32
	lineInfo           uint64
	lineInfoCnt        uint32
	attachBTFId        uint32
	attachProgFd       uint32
}

type perfEventAttr struct {
	eventType  uint32
	size       uint32
	config     uint64
	sampleFreq uint64
	sampleType uint64
	readFormat uint64
	bits       uint64
	wakeup     uint32
	bpType     uint32
	bpAddr     uint64
	bpLen      uint64
}

type bpfInsn struct {
	code uint8
	regs uint8
	off  int16
	imm  int32
}

// ─── ELF parsing of the pre-compiled allocator-probe object ───────────────

type bpfElf struct {
	license  string
	mapDefs  map[string]bpfMapSpec
	progs    map[string][]bpfInsn // section name -> instructions, e.g. "uprobe/__rust_alloc"
	relaSecs map[string][]bpfRela
}

type bpfMapSpec struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	flags      uint32
}

type bpfRela struct {
	insnIdx uint64
	symName string
}

// probeKind distinguishes a probe's section prefix.
type probeKind int

const (
	probeEntry probeKind = iota // "uprobe/<symbol>"
	probeExit                   // "uretprobe/<symbol>"
)

func parseBPFELF(r io.ReaderAt) (*bpfElf, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.ByteOrder != binary.LittleEndian {
		return nil, errors.New("heap: allocator-probe object must be 64-bit little-endian")
	}

	out := &bpfElf{
		mapDefs:  make(map[string]bpfMapSpec),
		progs:    make(map[string][]bpfInsn),
		relaSecs: make(map[string][]bpfRela),
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			b, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("read license: %w", err)
			}
			out.license = strings.TrimRight(string(b), "\x00")

		case sec.Name == ".maps" || sec.Name == "maps":
			if err := parseMapsSection(f, sec, syms, out); err != nil {
				return nil, err
			}

		case strings.HasPrefix(sec.Name, "uprobe/"), strings.HasPrefix(sec.Name, "uretprobe/"):
			insns, err := readBPFInsns(sec)
			if err != nil {
				return nil, fmt.Errorf("read program %q: %w", sec.Name, err)
			}
			out.progs[sec.Name] = insns

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			target := strings.TrimPrefix(sec.Name, ".rela")
			target = strings.TrimPrefix(target, ".rel")
			if !strings.HasPrefix(target, "uprobe/") && !strings.HasPrefix(target, "uretprobe/") {
				continue
			}
			relas, err := readRelas(f, sec, syms)
			if err != nil {
				return nil, fmt.Errorf("read relocations for %q: %w", sec.Name, err)
			}
			out.relaSecs[target] = relas
		}
	}

	if out.license == "" {
		out.license = "GPL"
	}
	return out, nil
}

func parseMapsSection(f *elf.File, sec *elf.Section, syms []elf.Symbol, out *bpfElf) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read maps section: %w", err)
	}

	var secIdx elf.SectionIndex
	for i, s := range f.Sections {
		if s == sec {
			secIdx = elf.SectionIndex(i)
			break
		}
	}

	for _, sym := range syms {
		if sym.Section != secIdx || elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		off, size := sym.Value, sym.Size
		if size < 20 || int(off)+int(size) > len(data) {
			continue
		}
		m := data[off : off+size]
		out.mapDefs[sym.Name] = bpfMapSpec{
			mapType:    binary.LittleEndian.Uint32(m[0:4]),
			keySize:    binary.LittleEndian.Uint32(m[4:8]),
			valueSize:  binary.LittleEndian.Uint32(m[8:12]),
			maxEntries: binary.LittleEndian.Uint32(m[12:16]),
			flags:      binary.LittleEndian.Uint32(m[16:20]),
		}
	}
	return nil
}

func readBPFInsns(sec *elf.Section) ([]bpfInsn, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, fmt.Errorf("section %q has invalid size %d", sec.Name, len(data))
	}
	insns := make([]bpfInsn, len(data)/8)
	r := bytes.NewReader(data)
	for i := range insns {
		if err := binary.Read(r, binary.LittleEndian, &insns[i]); err != nil {
			return nil, err
		}
	}
	return insns, nil
}

func readRelas(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]bpfRela, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	var relas []bpfRela
	if sec.Type != elf.SHT_RELA {
		return relas, nil
	}
	const sz = 24
	if len(data)%sz != 0 {
		return nil, fmt.Errorf("RELA section size %d not a multiple of %d", len(data), sz)
	}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var raw struct {
			Off    uint64
			Info   uint64
			Addend int64
		}
		if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
			return nil, err
		}
		symIdx := raw.Info >> 32
		if int(symIdx) >= len(syms) {
			return nil, fmt.Errorf("symbol index %d out of range", symIdx)
		}
		relas = append(relas, bpfRela{insnIdx: raw.Off / 8, symName: syms[symIdx].Name})
	}
	return relas, nil
}

// ─── BPF object loading and uprobe/uretprobe attachment ───────────────────

// bpfObject holds every kernel resource created for one target process's
// allocator probes.
type bpfObject struct {
	mapFDs       map[string]int
	progFDs      map[string]int
	perfFDs      []int
	uprobeEvents []string // registered uprobe_events lines, unregistered on Close
	ringbuf      *ringBufReader
}

func (o *bpfObject) Close() {
	if o.ringbuf != nil {
		o.ringbuf.close()
		o.ringbuf = nil
	}
	for _, fd := range o.perfFDs {
		_ = syscall.Close(fd)
	}
	for _, fd := range o.progFDs {
		_ = syscall.Close(fd)
	}
	for _, fd := range o.mapFDs {
		_ = syscall.Close(fd)
	}
	for _, name := range o.uprobeEvents {
		unregisterUprobe(name)
	}
}

// probeSpec is one allocator entry/exit point the loader attaches to.
type probeSpec struct {
	symbol string // e.g. "__rust_alloc"
	kind   probeKind
}

// Layout constants for the kernel-side map values. These mirror the structs
// the allocator-probe program declares: a live-allocation entry carries the
// requested size, the attribution address, and the captured stack (depth 32,
// fixed at load time); the per-callsite aggregate carries signed live_bytes
// plus four unsigned counters; the per-CPU scratch slot carries the
// entry-side transient state between a probed call's entry and return.
const (
	stackDepth = 32

	liveAllocValueSize = 8 + 8 + stackDepth*8 + 4 + 4 // size, addr, stack, nr_frames, pad
	callsiteValueSize  = 8 + 4*8                      // live_bytes, allocs, frees, alloc_bytes, free_bytes
	scratchValueSize   = 8 + 8 + 8 + stackDepth*8 + 4 + 4
)

// loadBPFObject parses the pre-compiled allocator-probe object from r,
// creates the live-allocation hash map, per-callsite aggregate hash map,
// per-CPU scratch map, PID filter map, and event ring buffer, loads the
// probe programs, attaches them as uprobes/uretprobes on exePath's allocator
// symbols, and primes the PID filter with targetPID.
//
// Requires CAP_BPF (Linux ≥ 5.8) or CAP_SYS_ADMIN on older kernels, plus a
// mounted debugfs/tracefs for uprobe_events registration.
func loadBPFObject(r io.ReaderAt, targetPID int, exePath string) (*bpfObject, error) {
	parsed, err := parseBPFELF(r)
	if err != nil {
		return nil, fmt.Errorf("parse allocator-probe ELF: %w", err)
	}
	if len(parsed.progs) == 0 {
		return nil, errors.New("heap: allocator-probe object contains no uprobe/uretprobe programs")
	}

	obj := &bpfObject{mapFDs: make(map[string]int), progFDs: make(map[string]int)}

	// ── 1. Maps: live allocations, per-callsite aggregates, per-CPU scratch,
	//           PID filter, event ring buffer.
	defaultSpecs := map[string]bpfMapSpec{
		"live_allocs":    {mapType: bpfMapTypeHash, keySize: 8, valueSize: liveAllocValueSize, maxEntries: 1 << 20},
		"callsite_stats": {mapType: bpfMapTypeHash, keySize: 8, valueSize: callsiteValueSize, maxEntries: 10000},
		"entry_scratch":  {mapType: bpfMapTypePerCPU, keySize: 4, valueSize: scratchValueSize, maxEntries: 1},
		"pid_filter":     {mapType: bpfMapTypeArray, keySize: 4, valueSize: 4, maxEntries: 1},
		"heap_events":    {mapType: bpfMapTypeRingBuf, maxEntries: 1 << 18}, // 256 KiB
	}
	for name, spec := range parsed.mapDefs {
		defaultSpecs[name] = spec
	}
	for name, spec := range defaultSpecs {
		fd, err := createBPFMap(spec)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("BPF map create %q: %w (requires CAP_BPF)", name, err)
		}
		obj.mapFDs[name] = fd
	}

	if err := writePIDFilter(obj.mapFDs["pid_filter"], targetPID); err != nil {
		obj.Close()
		return nil, fmt.Errorf("write pid filter: %w", err)
	}

	// ── 2. Load programs ───────────────────────────────────────────────────

	licenseBytes := append([]byte(parsed.license), 0)
	for secName, insns := range parsed.progs {
		if relas, ok := parsed.relaSecs[secName]; ok {
			if err := applyMapRelocations(insns, relas, obj.mapFDs); err != nil {
				obj.Close()
				return nil, fmt.Errorf("relocate %q: %w", secName, err)
			}
		}

		// Uprobe programs load as BPF_PROG_TYPE_KPROBE; the kernel has no
		// separate program type for user-space probes.
		logBuf := make([]byte, 256*1024)
		attr := bpfProgLoadAttr{
			progType: bpfProgTypeKprobe,
			insnCnt:  uint32(len(insns)),
			insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
			license:  uint64(uintptr(unsafe.Pointer(&licenseBytes[0]))),
			logLevel: bpfLogLevel,
			logSize:  uint32(len(logBuf)),
			logBuf:   uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		}
		copy(attr.progName[:], shortProgName(secName))

		fd, err := bpfSyscall(bpfCmdProgLoad, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
		runtime.KeepAlive(insns)
		runtime.KeepAlive(licenseBytes)
		runtime.KeepAlive(logBuf)
		if err != nil {
			if log := extractLog(logBuf); log != "" {
				err = fmt.Errorf("%w; verifier log:\n%s", err, log)
			}
			obj.Close()
			return nil, fmt.Errorf("load BPF program %q: %w", secName, err)
		}
		obj.progFDs[secName] = fd
	}

	// ── 3. Register and attach uprobes/uretprobes ──────────────────────────

	for secName, progFD := range obj.progFDs {
		spec, err := parseProbeSection(secName)
		if err != nil {
			obj.Close()
			return nil, err
		}

		offset, err := symbolFileOffset(exePath, spec.symbol)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("locate allocator symbol %s in %s: %w", spec.symbol, exePath, err)
		}

		eventName, err := registerUprobe(spec, exePath, offset)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("register probe %s: %w", spec.symbol, err)
		}
		obj.uprobeEvents = append(obj.uprobeEvents, eventName)

		probeID, err := readUprobeID(eventName)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("read probe id for %s: %w", eventName, err)
		}

		attr := &perfEventAttr{
			eventType: perfTypeTracepoint,
			size:      uint32(unsafe.Sizeof(perfEventAttr{})),
			config:    uint64(probeID),
			bits:      1, // disabled until BPF is attached and enabled below
		}
		pfd, err := perfEventOpen(attr, targetPID, -1, -1)
		if err != nil {
			obj.Close()
			return nil, fmt.Errorf("perf_event_open %s: %w", eventName, err)
		}
		obj.perfFDs = append(obj.perfFDs, pfd)

		if err := ioctlFd(pfd, perfEventIOCSetBPF, uintptr(progFD)); err != nil {
			obj.Close()
			return nil, fmt.Errorf("PERF_EVENT_IOC_SET_BPF %s: %w", eventName, err)
		}
		if err := ioctlFd(pfd, perfEventIOCEnable, 0); err != nil {
			obj.Close()
			return nil, fmt.Errorf("PERF_EVENT_IOC_ENABLE %s: %w", eventName, err)
		}
	}

	// ── 4. Ring buffer reader ──────────────────────────────────────────────

	rb, err := newRingBufReader(obj.mapFDs["heap_events"], defaultSpecs["heap_events"].maxEntries)
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("ring buffer reader: %w", err)
	}
	obj.ringbuf = rb

	return obj, nil
}

func createBPFMap(spec bpfMapSpec) (int, error) {
	attr := bpfMapCreateAttr{
		mapType: spec.mapType, keySize: spec.keySize, valueSize: spec.valueSize,
		maxEntries: spec.maxEntries, mapFlags: spec.flags,
	}
	return bpfSyscall(bpfCmdMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
}

// writePIDFilter stores the single target pid at index 0 of the pid_filter
// array map, via a raw BPF_MAP_UPDATE_ELEM call.
func writePIDFilter(mapFD int, pid int) error {
	const bpfCmdMapUpdateElem uintptr = 2
	key := uint32(0)
	val := uint32(pid)
	attr := struct {
		mapFD uint32
		_     uint32
		key   uint64
		value uint64
		flags uint64
	}{
		mapFD: uint32(mapFD),
		key:   uint64(uintptr(unsafe.Pointer(&key))),
		value: uint64(uintptr(unsafe.Pointer(&val))),
	}
	_, err := bpfSyscall(bpfCmdMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	runtime.KeepAlive(key)
	runtime.KeepAlive(val)
	return err
}

func applyMapRelocations(insns []bpfInsn, relas []bpfRela, mapFDs map[string]int) error {
	for _, rel := range relas {
		fd, ok := mapFDs[rel.symName]
		if !ok {
			return fmt.Errorf("no fd for map %q", rel.symName)
		}
		idx := int(rel.insnIdx)
		if idx >= len(insns) {
			return fmt.Errorf("relocation index %d out of range (len=%d)", idx, len(insns))
		}
		ins := &insns[idx]
		if ins.code != bpfOpLdImm64 {
			return fmt.Errorf("insn[%d]: expected LD_IMM64, got 0x%02x", idx, ins.code)
		}
		ins.regs = (ins.regs & 0x0F) | (bpfPseudoMapFD << 4)
		ins.imm = int32(fd)
		if idx+1 < len(insns) {
			insns[idx+1].imm = 0
		}
	}
	return nil
}

// parseProbeSection turns a "uprobe/<symbol>" or "uretprobe/<symbol>"
// section name into a probeSpec.
func parseProbeSection(secName string) (probeSpec, error) {
	switch {
	case strings.HasPrefix(secName, "uretprobe/"):
		return probeSpec{symbol: strings.TrimPrefix(secName, "uretprobe/"), kind: probeExit}, nil
	case strings.HasPrefix(secName, "uprobe/"):
		return probeSpec{symbol: strings.TrimPrefix(secName, "uprobe/"), kind: probeEntry}, nil
	default:
		return probeSpec{}, fmt.Errorf("section %q is not a probe section", secName)
	}
}

// symbolFileOffset resolves an allocator entry symbol to the file offset
// uprobe_events expects: the symbol's ELF vaddr translated through its
// containing PT_LOAD segment. The dynamic symbol table is tried when the
// static one is stripped.
func symbolFileOffset(exePath, symbol string) (uint64, error) {
	f, err := elf.Open(exePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", exePath, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, _ = f.DynamicSymbols()
	}
	for _, s := range syms {
		if s.Name != symbol || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		off, ok := fileOffsetForVaddr(f.Progs, s.Value)
		if !ok {
			return 0, fmt.Errorf("symbol %s at vaddr %#x is outside every PT_LOAD segment", symbol, s.Value)
		}
		return off, nil
	}
	return 0, fmt.Errorf("symbol %s not found (target may not route allocations through the probed allocator entry points)", symbol)
}

// fileOffsetForVaddr maps an ELF virtual address to its on-disk file offset
// via the containing PT_LOAD program header.
func fileOffsetForVaddr(progs []*elf.Prog, vaddr uint64) (uint64, bool) {
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return vaddr - p.Vaddr + p.Off, true
		}
	}
	return 0, false
}

var uprobeSeq uint64

// registerUprobe writes a "p:" (entry) or "r:" (return) line to
// uprobe_events, creating a dynamic user-space probe on binPath at
// fileOffset and its associated tracefs event, and returns the generated
// event name.
func registerUprobe(spec probeSpec, binPath string, fileOffset uint64) (string, error) {
	seq := atomic.AddUint64(&uprobeSeq, 1)
	prefix := "p"
	if spec.kind == probeExit {
		prefix = "r"
	}
	eventName := fmt.Sprintf("rsprof_%s_%d", sanitizeSymbol(spec.symbol), seq)

	f, err := os.OpenFile(uprobeEventsPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w (debugfs/tracefs must be mounted)", uprobeEventsPath, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s:uprobes/%s %s:0x%x\n", prefix, eventName, binPath, fileOffset)
	if _, err := f.WriteString(line); err != nil {
		return "", fmt.Errorf("register uprobe %q: %w", line, err)
	}
	return eventName, nil
}

func unregisterUprobe(eventName string) {
	f, err := os.OpenFile(uprobeEventsPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(fmt.Sprintf("-:uprobes/%s\n", eventName))
}

func sanitizeSymbol(sym string) string {
	return strings.NewReplacer("/", "_", ".", "_").Replace(sym)
}

// readUprobeID reads the kernel-assigned numeric ID for a registered uprobe
// event, exposed at /sys/kernel/debug/tracing/events/uprobes/<name>/id.
func readUprobeID(eventName string) (uint32, error) {
	idPath := fmt.Sprintf(uprobeIDPathFmt, eventName)
	b, err := os.ReadFile(idPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", idPath, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uprobe id from %q: %w", string(b), err)
	}
	return uint32(id), nil
}

// ─── Per-callsite aggregate readout ────────────────────────────────────────

// CallsiteStats mirrors the kernel-side per-callsite aggregate value:
// signed live bytes plus four monotonic counters, all maintained by the
// probes with atomic adds.
type CallsiteStats struct {
	LiveBytes       int64
	TotalAllocs     uint64
	TotalFrees      uint64
	TotalAllocBytes uint64
	TotalFreeBytes  uint64
}

type bpfMapAccessAttr struct {
	mapFD uint32
	_     uint32
	key   uint64
	value uint64 // value for lookup, next_key for get_next_key
	flags uint64
}

// dumpCallsiteStats walks the aggregate hash map with
// BPF_MAP_GET_NEXT_KEY/BPF_MAP_LOOKUP_ELEM and returns every callsite's
// current counters. Valid while the object is loaded; entries mutate
// concurrently with the probes, so the snapshot is per-key consistent only.
func dumpCallsiteStats(mapFD int) (map[uint64]CallsiteStats, error) {
	out := make(map[uint64]CallsiteStats)

	var key, nextKey uint64
	first := true
	for {
		var keyPtr uint64 // NULL on the first get_next_key retrieves the first key
		if !first {
			keyPtr = uint64(uintptr(unsafe.Pointer(&key)))
		}
		attr := bpfMapAccessAttr{
			mapFD: uint32(mapFD),
			key:   keyPtr,
			value: uint64(uintptr(unsafe.Pointer(&nextKey))),
		}
		if _, err := bpfSyscall(bpfCmdMapGetNextKey, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
			if errors.Is(err, syscall.ENOENT) {
				return out, nil // walked past the last key
			}
			return out, fmt.Errorf("map get_next_key: %w", err)
		}

		var raw [callsiteValueSize]byte
		lookAttr := bpfMapAccessAttr{
			mapFD: uint32(mapFD),
			key:   uint64(uintptr(unsafe.Pointer(&nextKey))),
			value: uint64(uintptr(unsafe.Pointer(&raw[0]))),
		}
		if _, err := bpfSyscall(bpfCmdMapLookupElem, unsafe.Pointer(&lookAttr), unsafe.Sizeof(lookAttr)); err == nil {
			out[nextKey] = CallsiteStats{
				LiveBytes:       int64(binary.LittleEndian.Uint64(raw[0:8])),
				TotalAllocs:     binary.LittleEndian.Uint64(raw[8:16]),
				TotalFrees:      binary.LittleEndian.Uint64(raw[16:24]),
				TotalAllocBytes: binary.LittleEndian.Uint64(raw[24:32]),
				TotalFreeBytes:  binary.LittleEndian.Uint64(raw[32:40]),
			}
		}
		// A key deleted between next_key and lookup is skipped.

		key = nextKey
		first = false
	}
}

func shortProgName(secName string) string {
	parts := strings.Split(secName, "/")
	name := parts[len(parts)-1]
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func extractLog(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.TrimSpace(string(buf))
}

// ─── Ring-buffer reader ────────────────────────────────────────────────────
//
// heap_events is a BPF_MAP_TYPE_RINGBUF map (not the classic perf-event ABI
// the CPU sampler uses): consumer/producer position pages followed by a
// circular data region, each record prefixed by a bpf_ringbuf_hdr{len,
// pg_off} with busy/discard bits in len's top two bits.

type ringBufReader struct {
	ctrlMmap []byte
	dataMmap []byte
	mask     uint64
}

func (rb *ringBufReader) consumerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&rb.ctrlMmap[0]))
}

func (rb *ringBufReader) producerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&rb.ctrlMmap[os.Getpagesize()]))
}

func newRingBufReader(mapFD int, dataSize uint32) (*ringBufReader, error) {
	pageSize := os.Getpagesize()
	ctrlSize := 2 * pageSize

	if dataSize == 0 || dataSize&(dataSize-1) != 0 {
		return nil, fmt.Errorf("ring buffer max_entries %d is not a power of two", dataSize)
	}

	ctrlMmap, err := syscall.Mmap(mapFD, 0, ctrlSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap control pages: %w", err)
	}
	dataMmap, err := syscall.Mmap(mapFD, int64(ctrlSize), int(dataSize), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Munmap(ctrlMmap)
		return nil, fmt.Errorf("mmap data pages: %w", err)
	}

	return &ringBufReader{ctrlMmap: ctrlMmap, dataMmap: dataMmap, mask: uint64(dataSize - 1)}, nil
}

// heapRawEvent is the fixed-size payload written by the BPF program for each
// alloc/free/realloc, matching heap.Event's wire shape.
type heapRawEvent struct {
	Addr      uint64 // attribution address (allocation callsite, runtime address)
	Pointer   uint64 // the allocation's returned/freed pointer
	SizeDelta int64  // signed: +size for alloc, -size for free, delta for realloc
	Kind      uint32 // 0=alloc,1=free,2=realloc
	_         uint32 // padding to 8-byte alignment
}

// next returns the next committed record's payload without blocking,
// advancing the consumer position; ok is false when the ring is empty or
// its head record is still marked busy by the in-kernel producer (the next
// poll wake-up retries it). Discarded records are consumed and skipped. The
// map fd is pollable, so the controller's sampler thread includes it in the
// same short-timeout poll set as the CPU descriptors and calls next only
// after a wake-up or timeout.
func (rb *ringBufReader) next() ([]byte, bool) {
	for {
		cons := atomic.LoadUint64(rb.consumerPos())
		prod := atomic.LoadUint64(rb.producerPos())
		if cons == prod {
			return nil, false
		}

		off := cons & rb.mask
		if off+uint64(bpfRingBufHdrSize) > uint64(len(rb.dataMmap)) {
			atomic.StoreUint64(rb.consumerPos(), cons+uint64(bpfRingBufHdrSize))
			continue
		}

		rawLen := atomic.LoadUint32((*uint32)(unsafe.Pointer(&rb.dataMmap[off])))
		if rawLen&bpfRingBufBusyBit != 0 {
			return nil, false
		}

		dataLen := rawLen &^ (bpfRingBufBusyBit | bpfRingBufDiscard)
		discard := rawLen&bpfRingBufDiscard != 0
		advance := uint64(bpfRingBufHdrSize) + uint64(alignUp(dataLen, 8))
		atomic.StoreUint64(rb.consumerPos(), cons+advance)

		if discard {
			continue
		}

		payload := make([]byte, dataLen)
		dataOff := (off + uint64(bpfRingBufHdrSize)) & rb.mask
		size := uint64(dataLen)
		if dataOff+size <= uint64(len(rb.dataMmap)) {
			copy(payload, rb.dataMmap[dataOff:dataOff+size])
		} else {
			first := uint64(len(rb.dataMmap)) - dataOff
			copy(payload, rb.dataMmap[dataOff:])
			copy(payload[first:], rb.dataMmap[:size-first])
		}
		return payload, true
	}
}

func (rb *ringBufReader) close() {
	_ = syscall.Munmap(rb.dataMmap)
	_ = syscall.Munmap(rb.ctrlMmap)
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}
