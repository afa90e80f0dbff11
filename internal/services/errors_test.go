package services_test

import (
	"errors"
	"strings"
	"testing"

	"neurorun/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "fmriprep", "launch", "singularity", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"fmriprep", "launch", "singularity"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrStageFailure) {
		t.Fatalf("expected stage failure marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestFatalClassification(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
		kind  string
	}{
		{services.Wrap(services.ErrConfiguration, "layout", "resolve", "missing", nil), true, "configuration"},
		{services.Wrap(services.ErrCorruptLedger, "ledger", "load", "line 3", nil), true, "corrupt_ledger"},
		{services.Wrap(services.ErrExternalTool, "fmriprep", "launch", "", nil), false, "external_tool"},
		{services.Wrap(services.ErrStageFailure, "fmriprep", "exit", "1", nil), false, "stage_failure"},
		{services.Wrap(services.ErrTimeout, "fmriprep", "wait", "", nil), false, "timeout"},
		{errors.New("other"), false, "unknown"},
		{nil, false, ""},
	}
	for _, tc := range cases {
		if got := services.IsFatal(tc.err); got != tc.fatal {
			t.Fatalf("IsFatal(%v) = %v, want %v", tc.err, got, tc.fatal)
		}
		if got := services.Kind(tc.err); got != tc.kind {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.kind)
		}
	}
}
