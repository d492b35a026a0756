// Package procutil resolves rsprof's attach-time target process: finding a
// pid by name, reading its executable path, enumerating its thread ids, and
// parsing its memory mapping table to derive the load offset of its main
// executable object.
//
// It is plain /proc-file parsing with no library wrapper: no third-party
// /proc library is worth pulling in for a handful of /proc/<pid>/* reads.
//
//go:build linux

package procutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

// Exists reports whether pid currently exists in /proc.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Comm returns the short command name of pid, as reported by
// /proc/<pid>/comm (trimmed of its trailing newline).
func Comm(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// ExePath returns the resolved target of /proc/<pid>/exe: the absolute path
// to the process's main executable on disk.
func ExePath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// FindByName enumerates every numeric entry under /proc and returns the pids
// whose comm or exe basename equals name. Used to resolve --process <name>
// into a single pid.
func FindByName(name string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("procutil: read /proc: %w", err)
	}

	var matches []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue // not a pid directory
		}
		if comm, err := Comm(pid); err == nil && comm == name {
			matches = append(matches, pid)
			continue
		}
		if exe, err := ExePath(pid); err == nil && filepath.Base(exe) == name {
			matches = append(matches, pid)
		}
	}
	return matches, nil
}

// Resolve turns a (pid, name) pair — exactly one of which is set by the
// caller's flags — into a single target pid. name takes effect only when
// pid is 0.
func Resolve(pid int, name string) (int, error) {
	if pid != 0 {
		if !Exists(pid) {
			return 0, rerr.ErrProcessNotFound
		}
		return pid, nil
	}
	if name == "" {
		return 0, rerr.Newf(rerr.CodeInvalidArgs, "procutil: one of --pid or --process is required")
	}
	matches, err := FindByName(name)
	if err != nil {
		return 0, err
	}
	switch len(matches) {
	case 0:
		return 0, rerr.ErrProcessNotFound
	case 1:
		return matches[0], nil
	default:
		return 0, fmt.Errorf("%w: %q matches pids %v", rerr.ErrAmbiguousProcess, name, matches)
	}
}

// Threads returns the current thread ids (tids) of pid, read from
// /proc/<pid>/task. The CPU sampler calls this once at attach and again at
// every checkpoint tick to pick up newly created threads.
func Threads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// Mapping is one row of /proc/<pid>/maps: a single virtual memory mapping.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Path       string // empty for anonymous mappings
}

// Executable reports whether the mapping is executable ('x' in Perms).
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// Maps parses /proc/<pid>/maps into an ordered slice of Mapping.
func Maps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var maps []Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if ok {
			maps = append(maps, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// parseMapsLine parses one line of /proc/<pid>/maps, of the form:
//
//	555a1b2c3000-555a1b2c4000 r-xp 00000000 08:01 123456  /usr/bin/target
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	m := Mapping{Start: start, End: end, Perms: fields[1], Offset: offset}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, true
}

// LoadOffset derives the load offset of the target's main executable
// object: the start address of the first executable mapping whose path
// equals exePath, minus that mapping's file offset. For a non-PIE binary this is typically 0.
func LoadOffset(pid int, exePath string) (uint64, error) {
	maps, err := Maps(pid)
	if err != nil {
		return 0, fmt.Errorf("procutil: read maps for pid %d: %w", pid, err)
	}
	for _, m := range maps {
		if m.Executable() && m.Path == exePath {
			return m.Start - m.Offset, nil
		}
	}
	return 0, fmt.Errorf("procutil: no executable mapping of %q found for pid %d", exePath, pid)
}
