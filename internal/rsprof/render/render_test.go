package render_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rsprof/rsprof/internal/rsprof/render"
	"github.com/rsprof/rsprof/internal/rsprof/store/query"
)

func sampleRows() []query.Row {
	return []query.Row{
		{Addr: 0x1000, File: "main.rs", Line: 42, Function: "hot_loop", Value: 95},
		{Addr: 0x2000, Value: 5}, // unresolved: File/Function empty
	}
}

func TestTable_RendersUnresolvedAddressesAsUnknown(t *testing.T) {
	var buf bytes.Buffer
	if err := render.Table(&buf, sampleRows(), "SAMPLES", false); err != nil {
		t.Fatalf("Table: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "hot_loop") {
		t.Errorf("output missing resolved function name:\n%s", out)
	}
	if !strings.Contains(out, "[unknown]") {
		t.Errorf("output missing [unknown] placeholder for unresolved row:\n%s", out)
	}
}

func TestCSV_RoundTripsColumns(t *testing.T) {
	var buf bytes.Buffer
	if err := render.CSV(&buf, sampleRows()); err != nil {
		t.Fatalf("CSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 { // header + 2 rows
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if lines[0] != "value,file,line,function,addr" {
		t.Errorf("header = %q", lines[0])
	}
}

func TestJSON_EncodesAllRows(t *testing.T) {
	var buf bytes.Buffer
	if err := render.JSON(&buf, sampleRows()); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !strings.Contains(buf.String(), "hot_loop") {
		t.Errorf("JSON output missing function name:\n%s", buf.String())
	}
}

func TestStatus_FormatsLossAsPercentage(t *testing.T) {
	got := render.Status("running", 12.5, 3, 0.015)
	want := "[running] uptime=12.5s checkpoints=3 loss=1.50%"
	if got != want {
		t.Errorf("Status = %q, want %q", got, want)
	}
}
