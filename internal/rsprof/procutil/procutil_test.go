//go:build linux

package procutil

import "testing"

func TestParseMapsLine(t *testing.T) {
	cases := []struct {
		line string
		want Mapping
		ok   bool
	}{
		{
			line: "555a1b2c3000-555a1b2c4000 r-xp 00001000 08:01 123456  /usr/bin/target",
			want: Mapping{Start: 0x555a1b2c3000, End: 0x555a1b2c4000, Perms: "r-xp", Offset: 0x1000, Path: "/usr/bin/target"},
			ok:   true,
		},
		{
			line: "7f0000000000-7f0000021000 rw-p 00000000 00:00 0 ",
			want: Mapping{Start: 0x7f0000000000, End: 0x7f0000021000, Perms: "rw-p", Offset: 0, Path: ""},
			ok:   true,
		},
		{line: "garbage", ok: false},
	}

	for _, c := range cases {
		got, ok := parseMapsLine(c.line)
		if ok != c.ok {
			t.Fatalf("parseMapsLine(%q) ok = %v, want %v", c.line, ok, c.ok)
		}
		if !ok {
			continue
		}
		if got != c.want {
			t.Errorf("parseMapsLine(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestMappingExecutable(t *testing.T) {
	if !(Mapping{Perms: "r-xp"}).Executable() {
		t.Error("r-xp should be executable")
	}
	if (Mapping{Perms: "rw-p"}).Executable() {
		t.Error("rw-p should not be executable")
	}
}

func TestExistsFalseForBogusPid(t *testing.T) {
	if Exists(1<<30 + 7) {
		t.Error("Exists should be false for an implausible pid")
	}
}
