// Package config resolves rsprof's runtime defaults: CLI flags layered over
// environment variable fallbacks (RSPROF_OUTPUT_DIR, RSPROF_INTERVAL,
// RSPROF_CPU_FREQ, RSPROF_LOG_LEVEL, NO_COLOR).
//
// Each cobra subcommand registers its own flags with an environment-derived
// default rather than a hardcoded literal, so an explicit flag always wins,
// an environment variable wins over the built-in constant, and the built-in
// constant is the final fallback.
package config

import (
	"os"
	"strconv"
	"time"
)

const stdoutFD = 1

// Defaults holds the environment-derived defaults cmd/rsprof registers as
// cobra flag defaults, so that an explicit flag always wins, an environment
// variable wins over the built-in constant, and the built-in constant is the
// final fallback.
type Defaults struct {
	OutputDir string
	Interval  time.Duration
	CPUFreqHz int
	LogLevel  string
}

// LoadDefaults reads RSPROF_OUTPUT_DIR, RSPROF_INTERVAL, RSPROF_CPU_FREQ,
// and RSPROF_LOG_LEVEL from the environment, falling back to the built-in
// defaults for any that are unset or unparsable.
func LoadDefaults() Defaults {
	d := Defaults{
		OutputDir: ".",
		Interval:  time.Second,
		CPUFreqHz: 99,
		LogLevel:  "info",
	}
	if v := os.Getenv("RSPROF_OUTPUT_DIR"); v != "" {
		d.OutputDir = v
	}
	if v := os.Getenv("RSPROF_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			d.Interval = parsed
		} else if secs, err := strconv.Atoi(v); err == nil {
			d.Interval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("RSPROF_CPU_FREQ"); v != "" {
		if hz, err := strconv.Atoi(v); err == nil && hz > 0 {
			d.CPUFreqHz = hz
		}
	}
	if v := os.Getenv("RSPROF_LOG_LEVEL"); v != "" {
		d.LogLevel = v
	}
	return d
}

// NoColor reports whether the NO_COLOR environment convention is set.
func NoColor() bool {
	return os.Getenv("NO_COLOR") != ""
}

// ShouldStyle reports whether the renderer should emit ANSI styling: the
// NO_COLOR convention must be unset, and stdout must be attached to a
// terminal rather than a pipe or redirected file.
func ShouldStyle() bool {
	return !NoColor() && isTerminal(stdoutFD)
}

// OutputPath builds the default recording output path for a target process
// name: "rsprof.<name>.<YYMMDDhhmmss>.db" under dir.
func OutputPath(dir, name string, at time.Time) string {
	stamp := at.Format("060102150405")
	if dir == "" {
		dir = "."
	}
	return dir + "/rsprof." + sanitizeName(name) + "." + stamp + ".db"
}

// sanitizeName strips path separators from a process name so it is safe to
// embed in a filename.
func sanitizeName(name string) string {
	if name == "" {
		return "proc"
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}
