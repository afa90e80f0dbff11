package batch_test

import (
	"context"
	"errors"
	"testing"

	"neurorun/internal/batch"
	"neurorun/internal/ledger"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

func TestRunStagesRunsEachStageInOrder(t *testing.T) {
	h := newHarness(t, nil)

	reports, err := h.orch.RunStages(context.Background(), h.manifest, []stage.Stage{stage.BIDSValidate, stage.MRIQC}, batch.Options{})
	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if len(reports) != 2 || reports[0].Stage != stage.BIDSValidate || reports[1].Stage != stage.MRIQC {
		t.Fatalf("unexpected reports %+v", reports)
	}
	for _, st := range []stage.Stage{stage.BIDSValidate, stage.MRIQC} {
		for _, pid := range []string{"MNI01", "MNI02"} {
			if status := h.ledger.Get(pid, "01", st); status != ledger.StatusSuccess {
				t.Fatalf("%s %s status = %s, want success", pid, st, status)
			}
		}
	}
	if calls := len(h.runner.called()); calls != 4 {
		t.Fatalf("expected 4 runs, got %d", calls)
	}
}

func TestRunStagesStopsAfterStageWithFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.exitCodes = map[string]int{"MNI02": 1}

	reports, err := h.orch.RunStages(context.Background(), h.manifest, []stage.Stage{stage.BIDSValidate, stage.MRIQC}, batch.Options{})
	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if len(reports) != 1 || len(reports[0].Failed()) != 1 {
		t.Fatalf("expected to stop after bids_validate, got %+v", reports)
	}
	for _, pid := range []string{"MNI01", "MNI02"} {
		if _, ok := h.ledger.Lookup(ledger.Key{ParticipantID: pid, SessionID: "01", Stage: stage.MRIQC}); ok {
			t.Fatalf("mriqc must not start after failures, found a record for %s", pid)
		}
	}
}

func TestRunStagesPlansEveryStageBeforeLaunching(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Containers.FreeSurferLicense = ""
	orch := batch.New(h.cfg, h.ledger, batch.WithRunner(h.runner))

	_, err := orch.RunStages(context.Background(), h.manifest, []stage.Stage{stage.BIDSValidate, stage.FMRIPrep}, batch.Options{})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if calls := h.runner.called(); len(calls) != 0 {
		t.Fatalf("nothing may launch when a later stage cannot resolve, got %v", calls)
	}
}

func TestRunStagesRejectsEmptyAndDuplicateStages(t *testing.T) {
	h := newHarness(t, nil)

	for name, stages := range map[string][]stage.Stage{
		"empty":     nil,
		"duplicate": {stage.MRIQC, stage.BIDSValidate, stage.MRIQC},
		"unknown":   {stage.Stage("freesurfer")},
	} {
		if _, err := h.orch.RunStages(context.Background(), h.manifest, stages, batch.Options{}); !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
	if len(h.runner.called()) != 0 {
		t.Fatal("rejected sequences must not launch anything")
	}
}

func TestRunStagesDropsFlagsAStageDoesNotAccept(t *testing.T) {
	h := newHarness(t, []string{"participant_id,session", "MNI01,01"})

	_, err := h.orch.RunStages(context.Background(), h.manifest, []stage.Stage{stage.BIDSValidate, stage.MRIQC},
		batch.Options{Flags: stageexec.Flags{AnatOnly: true}})
	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	flags := h.runner.flags
	if len(flags) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(flags))
	}
	if flags[0].AnatOnly {
		t.Fatal("bids_validate must not receive anat_only")
	}
	if !flags[1].AnatOnly {
		t.Fatal("mriqc must keep anat_only")
	}
}
