// Package duration parses the small duration grammar used by rsprof's CLI
// flags (--interval, --duration, --since, --until): sequences of
// "<n>(s|m|h)" like "1h30m", or a bare integer interpreted as seconds.
//
// time.ParseDuration almost covers this but rejects the bare-integer form
// rsprof needs ("10" must mean 10s), so this is a small hand-rolled parser
// rather than a time.ParseDuration wrapper.
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rsprof/rsprof/internal/rsprof/rerr"
)

// unitMultiplier maps a single grammar unit suffix to its time.Duration
// multiplier.
var unitMultiplier = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
}

// Parse parses s per the grammar documented above. An empty string is
// rejected; callers that allow "unbounded" should check for that case
// before calling Parse.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: empty string")
	}

	// Bare integer (optionally signed) means seconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	i := 0
	sawComponent := false
	for i < len(s) {
		start := i
		for i < len(s) && (s[i] == '-' || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		if i == start {
			return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: invalid sequence in %q", s)
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: invalid number in %q: %w", s, err)
		}
		if i >= len(s) {
			return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: missing unit after %d in %q", n, s)
		}
		mult, ok := unitMultiplier[s[i]]
		if !ok {
			return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: unknown unit %q in %q", s[i], s)
		}
		total += time.Duration(n) * mult
		sawComponent = true
		i++
	}
	if !sawComponent {
		return 0, rerr.Newf(rerr.CodeInvalidArgs, "duration: no components in %q", s)
	}
	return total, nil
}

// Window is a parsed "A..B" window, as accepted by --window.
type Window struct {
	Since time.Duration
	Until time.Duration
}

// ParseWindow parses the "A..B" grammar used by --window, where A and B are
// each parsed with Parse.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "..", 2)
	if len(parts) != 2 {
		return Window{}, rerr.Newf(rerr.CodeInvalidArgs, "window: expected \"A..B\", got %q", s)
	}
	since, err := Parse(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window: since: %w", err)
	}
	until, err := Parse(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window: until: %w", err)
	}
	return Window{Since: since, Until: until}, nil
}
