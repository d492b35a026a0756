// Package symbol implements rsprof's Symbol Resolver: it parses the debug
// information and symbol table of a target executable and translates
// load-normalized runtime addresses into (file, line, function) locations.
//
// It is built entirely on the standard library's debug/elf and debug/dwarf
// packages. No third-party DWARF or ELF parsing library exists anywhere in
// the example pack this repo was grounded on — see DESIGN.md — so this is
// the one component where the standard library is the only option, not a
// preference.
package symbol

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"github.com/rsprof/rsprof/internal/rsprof/procutil"
	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

// Location is the resolved (file, line, function) tuple for an address.
// File and Function may be empty; Line may be zero.
type Location struct {
	File     string
	Line     int
	Function string
}

// addrRange is one entry of the flat, sorted index built from the line-number
// program and symbol table: a half-open [Start, End) range attributing
// every address in it to the same Location. Start/End are in the owning
// object's own ELF virtual-address space, not the normalized address space
// samples are stored in.
type addrRange struct {
	Start, End uint64
	Location   Location
}

// object is one mapped ELF object's own sorted range index, plus the window
// of load-normalized addresses its mapping(s) cover and the bias needed to
// translate a normalized address back into that object's own vaddr space
// (vaddr = normalizedAddr + bias).
type object struct {
	winStart, winEnd uint64
	bias             int64
	soname           string
	ranges           []addrRange // sorted by Start, in this object's own vaddr space
}

// Resolver resolves load-normalized addresses against the target process's
// main executable and every shared library mapped into it at attach time.
//
// A Resolver is safe for concurrent use: lookups only read the sorted
// per-object index and synchronize around the MRU cache.
type Resolver struct {
	objects []object // sorted by winStart, built once at New

	mu    sync.Mutex
	cache *mruCache
}

// cacheCapacity bounds the resolver's most-recently-used address→Location
// cache.
const cacheCapacity = 4096

// New builds the address-range index for the target process's main
// executable (execPath) and every shared library currently mapped into pid,
// per /proc/<pid>/maps. loadOffset is the main executable's load offset
// (spec §3), used to translate every object's own mapped window into the
// same normalized address space CPU samples and heap events are stored in.
//
// New reads only on-disk files, never the target's live memory. It returns
// rerr.ErrNoDebugInfo when the main executable carries no usable
// .debug_line section; callers treat this as fatal (exit code 5). A shared
// library that is missing, stripped, or unreadable is non-fatal: addresses
// inside its mapped window simply fall back to its "[soname]" tag (or the
// nearest symtab-only function name when one covers the address).
func New(pid int, execPath string, loadOffset uint64) (*Resolver, error) {
	mainRanges, err := mainObjectRanges(execPath)
	if err != nil {
		return nil, err
	}

	groups, err := mappedObjects(pid)
	if err != nil {
		return nil, fmt.Errorf("symbol: read mappings for pid %d: %w", pid, err)
	}

	var objects []object
	sawMain := false
	for _, g := range groups {
		bias := int64(loadOffset) - int64(g.rawBias)
		soname := path.Base(g.path)

		ranges := libraryObjectRanges(g.path)
		if g.path == execPath {
			ranges = mainRanges
			sawMain = true
		}

		objects = append(objects, object{
			winStart: g.start - loadOffset,
			winEnd:   g.end - loadOffset,
			bias:     bias,
			soname:   soname,
			ranges:   ranges,
		})
	}

	if !sawMain {
		// exePath wasn't found among the mapped executable regions (e.g. a
		// relative-path mismatch against /proc/<pid>/maps' absolute paths);
		// fall back to an unbounded window so the main executable's own
		// ranges are still reachable rather than silently dropped.
		objects = append(objects, object{
			winStart: 0,
			winEnd:   ^uint64(0),
			bias:     0,
			soname:   path.Base(execPath),
			ranges:   mainRanges,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].winStart < objects[j].winStart })

	return &Resolver{
		objects: objects,
		cache:   newMRUCache(cacheCapacity),
	}, nil
}

// mainObjectRanges parses execPath's debug line-number program and symbol
// table. Unlike libraryObjectRanges, a missing or insufficient line program
// here is fatal: the main executable is the one object rsprof cannot
// degrade gracefully without, per spec §4.1.
func mainObjectRanges(execPath string) ([]addrRange, error) {
	f, err := elf.Open(execPath)
	if err != nil {
		return nil, fmt.Errorf("symbol: open %q: %w", execPath, err)
	}
	defer f.Close()

	dw, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", rerr.ErrNoDebugInfo, execPath, err)
	}

	lineRanges, err := lineRangesFromDWARF(dw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", rerr.ErrNoDebugInfo, execPath, err)
	}
	if len(lineRanges) == 0 {
		return nil, fmt.Errorf("%w: %q: no line-number entries", rerr.ErrNoDebugInfo, execPath)
	}

	funcRanges := symtabRangesFromELF(f)
	return mergeRanges(lineRanges, funcRanges), nil
}

// libraryObjectRanges builds symbol-table-only coverage for a shared
// library: line-level resolution inside libraries is out of scope (spec
// §4.1's Non-goals), but symtab parsing is nearly free once the object is
// open, so a library address still resolves to a function name rather than
// just its soname when the symbol table covers it. A library that can't be
// opened (missing, permission denied) returns nil: its window still exists,
// so its addresses fall back to the "[soname]" tag rather than
// "[unknown]".
func libraryObjectRanges(libPath string) []addrRange {
	f, err := elf.Open(libPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	ranges := symtabRangesFromELF(f)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges
}

// mappingGroup is every /proc/<pid>/maps row sharing one mapped object's
// path, collapsed into that object's overall raw [start,end) extent and its
// load bias (the constant added to an ELF vaddr to get a raw runtime
// address: rawBias = mapping.Start - mapping.Offset, the same formula
// procutil.LoadOffset uses for the main executable).
type mappingGroup struct {
	path       string
	start, end uint64
	rawBias    uint64
}

// mappedObjects groups pid's executable-or-not mappings by path, skipping
// anonymous mappings and pseudo-paths like "[heap]"/"[vdso]" that can't be
// elf.Open'd. Mappings for the same path are collapsed by taking the
// overall min start / max end, since one ELF object is typically mapped as
// several adjoining segments (text, rodata, data) from the same file.
func mappedObjects(pid int) ([]mappingGroup, error) {
	maps, err := procutil.Maps(pid)
	if err != nil {
		return nil, err
	}

	var order []string
	byPath := make(map[string]*mappingGroup)
	for _, m := range maps {
		if m.Path == "" || strings.HasPrefix(m.Path, "[") {
			continue
		}
		g, ok := byPath[m.Path]
		if !ok {
			g = &mappingGroup{path: m.Path, start: m.Start, end: m.End, rawBias: m.Start - m.Offset}
			byPath[m.Path] = g
			order = append(order, m.Path)
			continue
		}
		if m.Start < g.start {
			g.start = m.Start
		}
		if m.End > g.end {
			g.end = m.End
		}
	}

	groups := make([]mappingGroup, 0, len(order))
	for _, p := range order {
		groups = append(groups, *byPath[p])
	}
	return groups, nil
}

// Resolve translates a load-normalized address into a Location. An address
// outside every mapped object's window resolves to
// Location{Function: "[unknown]"}; one inside a known object's window but
// uncovered by that object's own ranges falls back to that object's
// "[soname]" tag.
func (r *Resolver) Resolve(addr uint64) Location {
	r.mu.Lock()
	if loc, ok := r.cache.get(addr); ok {
		r.mu.Unlock()
		return loc
	}
	r.mu.Unlock()

	loc := r.lookup(addr)

	r.mu.Lock()
	r.cache.put(addr, loc)
	r.mu.Unlock()

	return loc
}

// lookup finds the mapped object whose window contains addr, translates
// addr into that object's own vaddr space, and performs the O(log n) binary
// search over its sorted range index.
func (r *Resolver) lookup(addr uint64) Location {
	obj := r.findObject(addr)
	if obj == nil {
		return Location{Function: "[unknown]"}
	}

	vaddr := uint64(int64(addr) + obj.bias)
	ranges := obj.ranges
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > vaddr })
	if i < len(ranges) && ranges[i].Start <= vaddr && vaddr < ranges[i].End {
		loc := ranges[i].Location
		loc.File = simplifyPath(loc.File)
		if loc.Function == "" {
			loc.Function = fmt.Sprintf("[%s]", obj.soname)
		}
		return loc
	}
	return Location{Function: fmt.Sprintf("[%s]", obj.soname)}
}

// findObject performs the O(log n) binary search over the resolver's
// sorted object windows.
func (r *Resolver) findObject(addr uint64) *object {
	objs := r.objects
	i := sort.Search(len(objs), func(i int) bool { return objs[i].winEnd > addr })
	if i < len(objs) && objs[i].winStart <= addr && addr < objs[i].winEnd {
		return &objs[i]
	}
	return nil
}

// simplifyPath strips a recognised package-cache prefix (Cargo's registry
// cache layout,
// "~/.cargo/registry/src/<index>/<crate>-<version>/<relpath>") down to
// "<crate>-<version>/<relpath>"; leave every other path untouched.
func simplifyPath(file string) string {
	const marker = "registry/src/"
	idx := strings.Index(file, marker)
	if idx < 0 {
		return file
	}
	rest := file[idx+len(marker):]
	// rest is "<index>/<crate>-<version>/<relpath>"; drop the index segment.
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rest[slash+1:]
	}
	return rest
}

// lineRangesFromDWARF walks every compilation unit's line-number program and
// emits one addrRange per contiguous run of line entries sharing the same
// file and line. The innermost range wins for any address covered by
// nested inlined-subroutine records: dwarf.LineReader already yields
// entries in program order with the most specific (innermost) entry for a
// given address appearing last in a CU, and each range runs from one row's
// address to the next row's, so an earlier row at the same address yields
// an empty range that no lookup matches.
func lineRangesFromDWARF(dw *dwarf.Data) ([]addrRange, error) {
	var ranges []addrRange

	reader := dw.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := dw.LineReader(entry)
		if err != nil || lr == nil {
			continue // CU without a line table is skipped, not fatal
		}

		var prev dwarf.LineEntry
		havePrev := false
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break // io.EOF ends this CU's line program
			}
			if havePrev && !prev.EndSequence {
				ranges = append(ranges, addrRange{
					Start: prev.Address,
					End:   le.Address,
					Location: Location{
						File: prev.File.Name,
						Line: prev.Line,
					},
				})
			}
			prev = le
			havePrev = true
		}
	}

	return ranges, nil
}

// symtabRangesFromELF builds one addrRange per STT_FUNC symbol in the ELF
// symbol table (falling back to the dynamic symbol table for
// stripped-but-dynamically-linked objects), providing a Function name even
// where the line-number program has no coverage (e.g. library code compiled
// without debug info).
func symtabRangesFromELF(f *elf.File) []addrRange {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, _ = f.DynamicSymbols()
	}

	var ranges []addrRange
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 || s.Name == "" {
			continue
		}
		ranges = append(ranges, addrRange{
			Start:    s.Value,
			End:      s.Value + s.Size,
			Location: Location{Function: demangledName(s.Name)},
		})
	}
	return ranges
}

// demangledName demangles a mangled symbol name (Rust legacy _ZN…E and v0
// _R… forms, plus Itanium C++ for library symbols), returning the raw name
// unchanged when it does not parse as any known mangling.
func demangledName(name string) string {
	return demangle.Filter(name, demangle.NoParams, demangle.NoTemplateParams)
}

// mergeRanges combines the line-table ranges (precise file/line, gaps where
// the line program has no coverage) with the symbol-table ranges (function
// names, full coverage of defined functions) into one sorted, non-overlapping
// index. Where a symtab range and a line range overlap, the line range's
// File/Line is kept and the symtab range's Function name is attached.
func mergeRanges(lineRanges, funcRanges []addrRange) []addrRange {
	sort.Slice(funcRanges, func(i, j int) bool { return funcRanges[i].Start < funcRanges[j].Start })

	findFunc := func(addr uint64) string {
		i := sort.Search(len(funcRanges), func(i int) bool { return funcRanges[i].End > addr })
		if i < len(funcRanges) && funcRanges[i].Start <= addr && addr < funcRanges[i].End {
			return funcRanges[i].Location.Function
		}
		return ""
	}

	out := make([]addrRange, 0, len(lineRanges)+len(funcRanges))
	for _, r := range lineRanges {
		r.Location.Function = findFunc(r.Start)
		out = append(out, r)
	}

	// Add symtab-only coverage for address ranges the line program never
	// mentions at all (e.g. statically linked library functions).
	covered := make([]addrRange, len(out))
	copy(covered, out)
	sort.Slice(covered, func(i, j int) bool { return covered[i].Start < covered[j].Start })

	for _, fr := range funcRanges {
		if rangeCovered(covered, fr.Start) {
			continue
		}
		out = append(out, fr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// rangeCovered reports whether addr falls inside any range of the
// Start-sorted slice ranges.
func rangeCovered(ranges []addrRange, addr uint64) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > addr })
	return i < len(ranges) && ranges[i].Start <= addr && addr < ranges[i].End
}
