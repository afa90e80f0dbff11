package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"neurorun/internal/testsupport"
)

func TestBootstrapCreatesTree(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	result, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !result.ManifestCreated {
		t.Fatal("expected manifest template to be created")
	}
	for _, dir := range []string{cfg.Paths.BIDSDir, cfg.Paths.RawDICOMDir, cfg.Paths.DerivativesDir, cfg.Paths.LogDir, cfg.Paths.TestDataDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
	data, err := os.ReadFile(cfg.Dataset.Manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if string(data) != manifestTemplate {
		t.Fatalf("unexpected manifest template %q", data)
	}
}

func TestBootstrapKeepsExistingManifest(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithManifest("participant_id,session", "MNI01,01"))

	result, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if result.ManifestCreated {
		t.Fatal("existing manifest must not be replaced")
	}
	data, err := os.ReadFile(cfg.Dataset.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "participant_id,session\nMNI01,01\n" {
		t.Fatalf("manifest content changed: %q", data)
	}

	again, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if len(again.CreatedDirs) != 0 {
		t.Fatalf("second bootstrap should create nothing, got %v", again.CreatedDirs)
	}
	if _, err := os.Stat(filepath.Join(cfg.Dataset.Root, "tabular")); err != nil {
		t.Fatal(err)
	}
}
