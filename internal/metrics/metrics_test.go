package metrics_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"neurorun/internal/metrics"
)

func TestWriteTextfile(t *testing.T) {
	m := metrics.NewBatch()
	m.SetSelection("fmriprep", 3, 2)
	m.StageStarted()
	m.StageFinished("fmriprep", "success", "", 90*time.Second)
	m.StageStarted()
	m.StageFinished("fmriprep", "failed", "nonzero_exit", 5*time.Second)
	m.BatchCompleted("fmriprep", time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "neurorun.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{
		`neurorun_stage_runs_total{reason="",stage="fmriprep",status="success"} 1`,
		`neurorun_stage_runs_total{reason="nonzero_exit",stage="fmriprep",status="failed"} 1`,
		`neurorun_batch_eligible_participants{stage="fmriprep"} 3`,
		`neurorun_batch_skipped_participants{stage="fmriprep"} 2`,
		`neurorun_stage_runs_in_flight 0`,
		`neurorun_stage_duration_seconds_count{stage="fmriprep"} 2`,
		`neurorun_batch_last_completed_timestamp_seconds{stage="fmriprep"} 1.7e+09`,
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in textfile:\n%s", want, content)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	first := metrics.NewBatch()
	second := metrics.NewBatch()
	first.SetSelection("mriqc", 1, 0)

	families, err := second.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "neurorun_batch_eligible_participants" && len(mf.GetMetric()) > 0 {
			t.Fatal("metrics leaked between registries")
		}
	}
}
