//go:build linux

package heap

import (
	"debug/elf"
	"testing"
)

func TestParseProbeSection(t *testing.T) {
	cases := []struct {
		section  string
		wantKind probeKind
		wantSym  string
		wantErr  bool
	}{
		{"uprobe/__rust_alloc", probeEntry, "__rust_alloc", false},
		{"uretprobe/__rust_alloc", probeExit, "__rust_alloc", false},
		{"uprobe/__rust_realloc", probeEntry, "__rust_realloc", false},
		{"license", 0, "", true},
	}
	for _, c := range cases {
		spec, err := parseProbeSection(c.section)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseProbeSection(%q): expected error", c.section)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseProbeSection(%q): %v", c.section, err)
		}
		if spec.kind != c.wantKind || spec.symbol != c.wantSym {
			t.Errorf("parseProbeSection(%q) = %+v, want kind=%v symbol=%q", c.section, spec, c.wantKind, c.wantSym)
		}
	}
}

func TestFileOffsetForVaddr(t *testing.T) {
	progs := []*elf.Prog{
		{ProgHeader: elf.ProgHeader{Type: elf.PT_PHDR, Vaddr: 0x40, Off: 0x40, Filesz: 0x200}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x0, Off: 0x0, Filesz: 0x1000}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x2000, Off: 0x1000, Filesz: 0x3000}},
	}

	cases := []struct {
		vaddr  uint64
		want   uint64
		wantOK bool
	}{
		{0x500, 0x500, true},
		{0x2500, 0x1500, true}, // second segment: off = vaddr - 0x2000 + 0x1000
		{0x10000, 0, false},    // past every segment
		{0x1800, 0, false},     // in the gap between segments
	}
	for _, c := range cases {
		got, ok := fileOffsetForVaddr(progs, c.vaddr)
		if ok != c.wantOK || got != c.want {
			t.Errorf("fileOffsetForVaddr(%#x) = (%#x, %v), want (%#x, %v)", c.vaddr, got, ok, c.want, c.wantOK)
		}
	}
}

func TestSanitizeSymbol(t *testing.T) {
	if got := sanitizeSymbol("__rust_alloc"); got != "__rust_alloc" {
		t.Errorf("sanitizeSymbol = %q, want unchanged", got)
	}
	if got := sanitizeSymbol("a/b.c"); got != "a_b_c" {
		t.Errorf("sanitizeSymbol(a/b.c) = %q, want a_b_c", got)
	}
}

func TestShortProgName(t *testing.T) {
	if got := shortProgName("uprobe/__rust_alloc"); got != "__rust_alloc" {
		t.Errorf("shortProgName = %q, want __rust_alloc", got)
	}
	if got := shortProgName("uprobe/some_really_long_symbol_name"); len(got) > 15 {
		t.Errorf("shortProgName returned %d chars, want <=15", len(got))
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want uint32 }{
		{0, 8, 0}, {1, 8, 8}, {8, 8, 8}, {9, 8, 16}, {15, 8, 16},
	}
	for _, c := range cases {
		if got := alignUp(c.n, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}
