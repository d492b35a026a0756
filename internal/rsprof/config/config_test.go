package config

import (
	"testing"
	"time"
)

func TestLoadDefaults_FallsBackWhenUnset(t *testing.T) {
	t.Setenv("RSPROF_OUTPUT_DIR", "")
	t.Setenv("RSPROF_INTERVAL", "")
	t.Setenv("RSPROF_CPU_FREQ", "")
	t.Setenv("RSPROF_LOG_LEVEL", "")

	d := LoadDefaults()
	if d.OutputDir != "." {
		t.Errorf("OutputDir = %q, want \".\"", d.OutputDir)
	}
	if d.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", d.Interval)
	}
	if d.CPUFreqHz != 99 {
		t.Errorf("CPUFreqHz = %d, want 99", d.CPUFreqHz)
	}
	if d.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want \"info\"", d.LogLevel)
	}
}

func TestLoadDefaults_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RSPROF_OUTPUT_DIR", "/var/tmp/rsprof")
	t.Setenv("RSPROF_INTERVAL", "2s")
	t.Setenv("RSPROF_CPU_FREQ", "199")
	t.Setenv("RSPROF_LOG_LEVEL", "debug")

	d := LoadDefaults()
	if d.OutputDir != "/var/tmp/rsprof" {
		t.Errorf("OutputDir = %q, want /var/tmp/rsprof", d.OutputDir)
	}
	if d.Interval != 2*time.Second {
		t.Errorf("Interval = %v, want 2s", d.Interval)
	}
	if d.CPUFreqHz != 199 {
		t.Errorf("CPUFreqHz = %d, want 199", d.CPUFreqHz)
	}
	if d.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", d.LogLevel)
	}
}

func TestLoadDefaults_BareIntegerIntervalMeansSeconds(t *testing.T) {
	t.Setenv("RSPROF_INTERVAL", "5")
	d := LoadDefaults()
	if d.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", d.Interval)
	}
}

func TestNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	if NoColor() {
		t.Error("NoColor() = true with NO_COLOR unset")
	}
	t.Setenv("NO_COLOR", "1")
	if !NoColor() {
		t.Error("NoColor() = false with NO_COLOR=1")
	}
}

func TestShouldStyle_FalseWhenNoColorSetRegardlessOfTerminal(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ShouldStyle() {
		t.Error("ShouldStyle() = true with NO_COLOR=1")
	}
}

func TestOutputPath_SanitizesSeparatorsInName(t *testing.T) {
	at := time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC)
	got := OutputPath("/tmp", "a/b", at)
	want := "/tmp/rsprof.a_b.260731093000.db"
	if got != want {
		t.Errorf("OutputPath = %q, want %q", got, want)
	}
}
