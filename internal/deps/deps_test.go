package deps

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Unset", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}

	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("unexpected status for unset command: %#v", results[2])
	}
}

func TestCheckBinariesResolvesFromPath(t *testing.T) {
	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "apptainer"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	t.Setenv("PATH", binDir)

	results := CheckBinaries([]Requirement{{Name: "Runtime", Command: "apptainer"}})
	if !results[0].Available || results[0].Detail != filepath.Join(binDir, "apptainer") {
		t.Fatalf("expected resolved path in detail, got %#v", results[0])
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "fmriprep_23.1.3.sif")
	if err := os.WriteFile(image, []byte("sif"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "license.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	results := CheckFiles([]FileRequirement{
		{Name: "fmriprep image", Path: image},
		{Name: "mriqc image", Path: filepath.Join(dir, "mriqc_23.1.0.sif")},
		{Name: "TemplateFlow", Path: dir, Dir: true, Optional: true},
		{Name: "Image as dir", Path: dir},
		{Name: "License", Path: empty},
		{Name: "Unset", Path: ""},
	})

	want := []struct {
		available bool
		detail    string
	}{
		{true, ""},
		{false, "not found"},
		{true, ""},
		{false, "is a directory"},
		{true, "empty file"},
		{false, "path not configured"},
	}
	for i, w := range want {
		if results[i].Available != w.available || results[i].Detail != w.detail {
			t.Fatalf("result %d = %#v, want available=%v detail=%q", i, results[i], w.available, w.detail)
		}
	}

	missing := Missing(results)
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing required entries, got %#v", missing)
	}
}
