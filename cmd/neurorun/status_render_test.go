package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"neurorun/internal/deps"
	"neurorun/internal/ledger"
	"neurorun/internal/preflight"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Log directory", statusError, "not found", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Log directory:", "[ERROR] not found")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Runtime", statusOK, "Ready", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestDependencyLines(t *testing.T) {
	statuses := []deps.Status{
		{Name: "Container runtime", Command: "apptainer", Available: false},
		{Name: "fmriprep image", Command: "/images/fmriprep.sif", Available: true},
		{Name: "FreeSurfer license", Optional: true, Detail: "path not configured"},
	}
	lines := dependencyLines(statuses, false)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "Summary") || !strings.Contains(lines[0], "[ERROR] 1 required missing") {
		t.Fatalf("expected summary line first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "[ERROR] not available (apptainer)") {
		t.Fatalf("expected error detail in second line, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "[OK] Ready (/images/fmriprep.sif)") {
		t.Fatalf("expected ready detail in third line, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "[WARN] path not configured") {
		t.Fatalf("expected warn detail in fourth line, got %q", lines[3])
	}
}

func TestPreflightLines(t *testing.T) {
	lines := preflightLines([]preflight.Result{
		{Name: "BIDS directory", Passed: true, Detail: "/data/bids"},
		{Name: "Work directory", Passed: false, Detail: "not writable"},
	}, false)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[OK] /data/bids") || !strings.Contains(lines[1], "[ERROR] not writable") {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestLedgerStatusText(t *testing.T) {
	if got := ledgerStatusText("", false); got != "pending" {
		t.Fatalf("empty status = %q, want pending", got)
	}
	if got := ledgerStatusText(ledger.StatusFailed, true); got != ansiRed+"failed"+ansiReset {
		t.Fatalf("failed status = %q", got)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}
