package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/testsupport"
)

func TestResolveBIDSFilter(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	got, err := resolveBIDSFilter(cfg, "")
	if err != nil || got != "" {
		t.Fatalf("empty filter = %q, %v", got, err)
	}

	if _, err := resolveBIDSFilter(cfg, bidsFilterFromConfig); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without paths.bids_filter_file, got %v", err)
	}

	cfg.Paths.BIDSFilterFile = filepath.Join(cfg.Dataset.Root, "proc", "bids_filter.json")
	got, err = resolveBIDSFilter(cfg, bidsFilterFromConfig)
	if err != nil || got != cfg.Paths.BIDSFilterFile {
		t.Fatalf("configured filter = %q, %v", got, err)
	}

	got, err = resolveBIDSFilter(cfg, "filters/anat.json")
	if err != nil {
		t.Fatalf("relative filter: %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "anat.json" {
		t.Fatalf("relative filter resolved to %q", got)
	}
}

func TestStageFlagsResolve(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	f := stageFlags{stage: "2", anatOnly: true, timeout: 90 * time.Minute}

	st, flags, err := f.resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st != stage.BIDSStage2 {
		t.Fatalf("stage = %s, want %s", st, stage.BIDSStage2)
	}
	if !flags.AnatOnly || flags.Timeout != 90*time.Minute || flags.BIDSFilter != "" {
		t.Fatalf("unexpected flags: %+v", flags)
	}

	f.stage = "freesurfer"
	if _, _, err := f.resolve(cfg); err == nil {
		t.Fatal("expected unknown stage to fail")
	}
}

func TestStageFlagsResolveStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	f := stageFlags{}
	if _, _, err := f.resolveStages(cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without stages, got %v", err)
	}

	cfg.Batch.Stages = []string{"bids_validate", "mriqc"}
	stages, _, err := f.resolveStages(cfg)
	if err != nil {
		t.Fatalf("configured stages: %v", err)
	}
	if len(stages) != 2 || stages[0] != stage.BIDSValidate || stages[1] != stage.MRIQC {
		t.Fatalf("configured stages = %v", stages)
	}

	f.stage = "1, 2"
	stages, _, err = f.resolveStages(cfg)
	if err != nil {
		t.Fatalf("flag stages: %v", err)
	}
	if len(stages) != 2 || stages[0] != stage.BIDSStage1 || stages[1] != stage.BIDSStage2 {
		t.Fatalf("--stage should override batch.stages, got %v", stages)
	}

	f.stage = "1,freesurfer"
	if _, _, err := f.resolveStages(cfg); err == nil {
		t.Fatal("expected unknown stage to fail")
	}
}
