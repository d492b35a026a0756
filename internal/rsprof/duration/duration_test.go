package duration

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10", 10 * time.Second},
		{"0", 0},
		{"1s", time.Second},
		{"1h30m", time.Hour + 30*time.Minute},
		{"2h", 2 * time.Hour},
		{"90s", 90 * time.Second},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "h", "1x", "1h30", "--"}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("10s..1m")
	if err != nil {
		t.Fatalf("ParseWindow error: %v", err)
	}
	if w.Since != 10*time.Second || w.Until != time.Minute {
		t.Errorf("ParseWindow = %+v, want {10s 1m}", w)
	}

	if _, err := ParseWindow("nope"); err == nil {
		t.Error("ParseWindow(\"nope\") expected error, got nil")
	}
}
