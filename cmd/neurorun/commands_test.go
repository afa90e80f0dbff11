package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"neurorun/internal/testsupport"
)

func TestInitCreatesDatasetTree(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.Remove(env.cfg.Dataset.Manifest); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}

	out, _, err := runCLI(t, []string{"init"}, env.configPath)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	requireContains(t, out, "Wrote manifest template")
	for _, dir := range []string{env.cfg.Paths.RawDICOMDir, env.cfg.Paths.BIDSDir, env.cfg.Paths.DerivativesDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}

	out, _, err = runCLI(t, []string{"init"}, env.configPath)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	requireContains(t, out, "already initialized")
}

func TestRunRecordsSuccess(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")

	out, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "ses-01"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	requireContains(t, out, "MNI01 ses-01 bids_validate: success (exit 0, attempt 1")
	requireContains(t, out, filepath.Join(env.cfg.Paths.LogDir, "bids_validate"))

	out, _, err = runCLI(t, []string{"ledger", "show", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger show: %v", err)
	}
	var records []struct {
		ParticipantID string `json:"participant_id"`
		Status        string `json:"status"`
		Attempts      int    `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode ledger json: %v\n%s", err, out)
	}
	if len(records) != 1 || records[0].ParticipantID != "MNI01" || records[0].Status != "success" || records[0].Attempts != 1 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRunFailsOnNonzeroExit(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	t.Setenv("FAKE_EXIT", "2")

	out, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	requireContains(t, out, "failed (exit 2")

	out, _, err = runCLI(t, []string{"ledger", "show", "--status", "failed"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger show: %v", err)
	}
	requireContains(t, out, "MNI01")
	requireContains(t, out, "nonzero_exit")
}

func TestRunRequiresParticipantAndSession(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01"}, env.configPath)
	if err == nil {
		t.Fatal("expected missing session to fail")
	}
	requireContains(t, err.Error(), "--session_id")
}

func TestRunRejectsFilterOnConversionStage(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01", "--anat_only"}, env.configPath)
	if err == nil {
		t.Fatal("expected --anat_only on bids_validate to fail")
	}
	requireContains(t, err.Error(), "configuration error")
}

func TestBatchRunsEveryParticipantAndWritesMetrics(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	env.markBIDSSession(t, "MNI02", "01")
	metricsPath := filepath.Join(t.TempDir(), "neurorun.prom")

	out, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate", "--n_jobs", "2", "--metrics_textfile", metricsPath}, env.configPath)
	if err != nil {
		t.Fatalf("batch: %v\n%s", err, out)
	}
	requireContains(t, out, "MNI01")
	requireContains(t, out, "MNI02")
	requireContains(t, out, "2 launched")
	requireContains(t, out, "success=2 failed=0 pending=0")

	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	requireContains(t, string(data), `stage="bids_validate",status="success"} 2`)

	out, _, err = runCLI(t, []string{"batch", "--stage", "bids_validate"}, env.configPath)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	requireContains(t, out, "skipped: already_succeeded")
	requireContains(t, out, "0 launched")
}

func TestBatchExitsNonzeroWhenAParticipantFails(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	t.Setenv("FAKE_EXIT", "1")

	out, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate"}, env.configPath)
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	requireContains(t, err.Error(), "2 participant(s) failed")
	requireContains(t, out, "success=0 failed=2 pending=0")
}

func TestBatchRejectsUnknownParticipant(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")

	_, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate", "--participant_id", "MNI99"}, env.configPath)
	if err == nil {
		t.Fatal("expected unknown participant to fail")
	}
	requireContains(t, err.Error(), "MNI99")
}

func TestBatchPreflightFailsWithoutBIDSDirectory(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate"}, env.configPath)
	if err == nil {
		t.Fatal("expected preflight failure")
	}
	requireContains(t, err.Error(), "BIDS directory")
}

func TestBatchPreflightFailsWithoutStageImage(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	image, _ := env.cfg.ContainerImage("bids_validator")
	if err := os.Remove(image); err != nil {
		t.Fatalf("remove image: %v", err)
	}

	out, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate"}, env.configPath)
	if err == nil {
		t.Fatal("expected preflight failure")
	}
	requireContains(t, err.Error(), "bids_validator image")
	if strings.Contains(out, "launched") {
		t.Fatalf("batch launched participants without an image:\n%s", out)
	}
}

func TestBatchRequiresStageWhenNoneConfigured(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"batch"}, env.configPath)
	if err == nil {
		t.Fatal("expected missing --stage to fail")
	}
	requireContains(t, err.Error(), "--stage is required")
}

func TestBatchRunsConfiguredStagesAndStopsAfterFailures(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	env.markBIDSSession(t, "MNI02", "01")
	testsupport.MakeDir(t, env.cfg.Paths.DerivativesDir)
	env.cfg.Batch.Stages = []string{"bids_validate", "mriqc"}
	writeTestConfig(t, env.configPath, env.cfg)
	t.Setenv("FAKE_EXIT", "1")

	out, _, err := runCLI(t, []string{"batch"}, env.configPath)
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	requireContains(t, err.Error(), "bids_validate: 2 participant(s) failed")
	requireContains(t, out, "Stopped before mriqc")

	out, _, err = runCLI(t, []string{"ledger", "show", "--stage", "mriqc"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger show: %v", err)
	}
	if strings.Contains(out, "MNI01") {
		t.Fatalf("mriqc ran after bids_validate failures:\n%s", out)
	}
}

func TestBatchTestRunUsesSampleParticipant(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithTestRun("MNI02", "01"))
	testsupport.MakeDir(t, filepath.Join(env.cfg.Paths.TestDataDir, "bids", "sub-MNI02", "ses-01"))

	out, _, err := runCLI(t, []string{"batch", "--stage", "bids_validate", "--test_run"}, env.configPath)
	if err != nil {
		t.Fatalf("batch --test_run: %v\n%s", err, out)
	}
	requireContains(t, out, "MNI02")
	if strings.Contains(out, "MNI01") {
		t.Fatalf("test run touched MNI01:\n%s", out)
	}
	requireContains(t, out, "(test_run)")
}

func TestStatusCountsManifestParticipants(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	if _, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := runCLI(t, []string{"status", "--stage", "bids_validate", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var summaries []stageSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one stage, got %+v", summaries)
	}
	got := summaries[0]
	if got.Success != 1 || got.Pending != 1 || got.Failed != 0 || got.Total != 2 {
		t.Fatalf("unexpected summary: %+v", got)
	}

	out, _, err = runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	for _, name := range []string{"bids_stage_1", "bids_validate", "fmriprep", "mriqc"} {
		requireContains(t, out, name)
	}
}

func TestLedgerBackupWritesCopy(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	if _, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	dir := t.TempDir()
	out, _, err := runCLI(t, []string{"ledger", "backup", "--dir", dir}, env.configPath)
	if err != nil {
		t.Fatalf("ledger backup: %v", err)
	}
	requireContains(t, out, "Ledger backed up to "+dir)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one backup file, got %v (%v)", entries, err)
	}
}

func TestLedgerShowRejectsUnknownStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"ledger", "show", "--status", "done"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestDoctorReportsSections(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"init"}, env.configPath); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, _, _ := runCLI(t, []string{"doctor"}, env.configPath)
	requireContains(t, out, "== Directories ==")
	requireContains(t, out, "== Runtime and images ==")
	requireContains(t, out, "BIDS directory")
}

func TestLogsShowsRecordedStageLog(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")
	if _, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, stderr, err := runCLI(t, []string{"logs", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "runtime run")
	requireContains(t, stderr, "sub-MNI01_ses-01_bids_validate_")

	out, _, err = runCLI(t, []string{"logs", "--stage", "bids_validate", "--participant_id", "MNI01", "--session_id", "01", "--stderr"}, env.configPath)
	if err != nil {
		t.Fatalf("logs --stderr: %v", err)
	}
	requireContains(t, out, "warning")
}

func TestLogsWithoutRunsFails(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"logs", "--stage", "fmriprep", "--participant_id", "MNI02", "--session_id", "01"}, env.configPath)
	if err == nil {
		t.Fatal("expected missing logs to fail")
	}
	requireContains(t, err.Error(), "no stage logs found")
}

func TestLedgerSyncRecordsExistingOutputs(t *testing.T) {
	env := setupCLITestEnv(t)
	env.markBIDSSession(t, "MNI01", "01")

	out, _, err := runCLI(t, []string{"ledger", "sync", "--stage", "bids_validate", "--dry_run"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger sync --dry_run: %v", err)
	}
	requireContains(t, out, "Would update 1 of 2 record(s)")

	out, _, err = runCLI(t, []string{"ledger", "sync", "--stage", "bids_validate", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger sync: %v", err)
	}
	var report struct {
		Checked int `json:"checked"`
		Changes []struct {
			ParticipantID string `json:"participant_id"`
			From          string `json:"from"`
			To            string `json:"to"`
		} `json:"changes"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode sync json: %v\n%s", err, out)
	}
	if report.Checked != 2 || len(report.Changes) != 1 || report.Changes[0].ParticipantID != "MNI01" || report.Changes[0].To != "success" {
		t.Fatalf("unexpected sync report: %+v", report)
	}

	out, _, err = runCLI(t, []string{"ledger", "show", "--status", "success"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger show: %v", err)
	}
	requireContains(t, out, "reconciled")

	out, _, err = runCLI(t, []string{"ledger", "sync", "--stage", "bids_validate"}, env.configPath)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	requireContains(t, out, "Ledger matches outputs (2 checked)")
}

func TestRunTestRunRejectsParticipantOtherThanSample(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithTestRun("MNI02", "01"))
	testsupport.MakeDir(t, filepath.Join(env.cfg.Paths.TestDataDir, "bids", "sub-MNI01", "ses-01"))

	_, _, err := runCLI(t, []string{"run", "--stage", "bids_validate", "--test_run", "--participant_id", "MNI01", "--session_id", "01"}, env.configPath)
	if err == nil {
		t.Fatal("expected a test run of a non-sample participant to fail")
	}
	requireContains(t, err.Error(), "test runs are limited to the sample MNI02")

	out, _, err := runCLI(t, []string{"ledger", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("ledger show: %v", err)
	}
	requireContains(t, out, "No ledger records")
}
