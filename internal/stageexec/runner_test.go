package stageexec_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"neurorun/internal/layout"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
	"neurorun/internal/testsupport"
)

type stubExecutor struct {
	code         int
	err          error
	createMarker string
	block        bool
	calls        int
	last         stageexec.Command
}

func (s *stubExecutor) Run(ctx context.Context, cmd stageexec.Command) (int, error) {
	s.calls++
	s.last = cmd
	if s.err != nil {
		return -1, s.err
	}
	fmt.Fprintln(cmd.Stdout, "tool output")
	fmt.Fprintln(cmd.Stderr, "tool warnings")
	if s.block {
		<-ctx.Done()
		return 143, ctx.Err()
	}
	if s.createMarker != "" {
		if err := os.MkdirAll(filepath.Dir(s.createMarker), 0o755); err != nil {
			return -1, err
		}
		if err := os.WriteFile(s.createMarker, []byte("<html/>"), 0o644); err != nil {
			return -1, err
		}
	}
	return s.code, nil
}

func setup(t *testing.T, st stage.Stage, opts ...testsupport.ConfigOption) layout.PathSet {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	ps, err := layout.Resolve(layout.FromConfig(cfg), "MNI01", "01", st)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return ps
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
}

func TestRunSuccess(t *testing.T) {
	ps := setup(t, stage.FMRIPrep)
	exec := &stubExecutor{createMarker: ps.Marker}
	runner := stageexec.New(stageexec.WithExecutor(exec), stageexec.WithClock(fixedClock))

	result, err := runner.Run(context.Background(), stage.FMRIPrep, ps, stageexec.Flags{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Succeeded() || result.Reason != "" {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Failure(stage.FMRIPrep) != nil {
		t.Fatal("successful result must not produce a failure")
	}
	wantOut := filepath.Join(ps.LogDir, "sub-MNI01_ses-01_fmriprep_20240301-123000.out")
	if result.StdoutLogPath != wantOut {
		t.Fatalf("stdout log = %q, want %q", result.StdoutLogPath, wantOut)
	}
	out, err := os.ReadFile(result.StdoutLogPath)
	if err != nil || !strings.Contains(string(out), "tool output") {
		t.Fatalf("stdout not captured: %q %v", out, err)
	}
	errLog, err := os.ReadFile(result.StderrLogPath)
	if err != nil || !strings.Contains(string(errLog), "tool warnings") {
		t.Fatalf("stderr not captured: %q %v", errLog, err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected one invocation, got %d", exec.calls)
	}
	if info, err := os.Stat(ps.WorkDir); err != nil || !info.IsDir() {
		t.Fatalf("expected work dir to be created: %v", err)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	ps := setup(t, stage.MRIQC)
	runner := stageexec.New(stageexec.WithExecutor(&stubExecutor{code: 1}))

	result, err := runner.Run(context.Background(), stage.MRIQC, ps, stageexec.Flags{})
	if err != nil {
		t.Fatalf("non-zero exit must not be raised: %v", err)
	}
	if result.Succeeded() || result.ExitCode != 1 || result.Reason != stageexec.ReasonNonzeroExit {
		t.Fatalf("unexpected result %+v", result)
	}
	if !errors.Is(result.Failure(stage.MRIQC), services.ErrStageFailure) {
		t.Fatalf("expected stage failure, got %v", result.Failure(stage.MRIQC))
	}
}

func TestRunMarkerMissing(t *testing.T) {
	ps := setup(t, stage.BIDSStage2)
	runner := stageexec.New(stageexec.WithExecutor(&stubExecutor{}))

	result, err := runner.Run(context.Background(), stage.BIDSStage2, ps, stageexec.Flags{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Succeeded() || result.ExitCode != 0 || result.Reason != stageexec.ReasonMarkerMissing || result.OutputMarkerPresent {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunLaunchError(t *testing.T) {
	ps := setup(t, stage.BIDSStage1)
	launchErr := services.Wrap(services.ErrExternalTool, "", "launch", "singularity", errors.New("executable file not found"))
	runner := stageexec.New(stageexec.WithExecutor(&stubExecutor{err: launchErr}))

	result, err := runner.Run(context.Background(), stage.BIDSStage1, ps, stageexec.Flags{})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if result.ExitCode != -1 || result.Reason != stageexec.ReasonLaunchError {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunTimeout(t *testing.T) {
	ps := setup(t, stage.FMRIPrep)
	runner := stageexec.New(stageexec.WithExecutor(&stubExecutor{block: true}))

	result, err := runner.Run(context.Background(), stage.FMRIPrep, ps, stageexec.Flags{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout must be reported in the result: %v", err)
	}
	if result.Reason != stageexec.ReasonTimeout || result.Succeeded() {
		t.Fatalf("unexpected result %+v", result)
	}
	if !errors.Is(result.Failure(stage.FMRIPrep), services.ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", result.Failure(stage.FMRIPrep))
	}
}

func TestRunCanceled(t *testing.T) {
	ps := setup(t, stage.FMRIPrep)
	runner := stageexec.New(stageexec.WithExecutor(&stubExecutor{block: true}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runner.Run(ctx, stage.FMRIPrep, ps, stageexec.Flags{Timeout: time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != stageexec.ReasonCanceled {
		t.Fatalf("expected canceled reason, got %+v", result)
	}
}

func TestRunRejectsMismatchedPathSet(t *testing.T) {
	ps := setup(t, stage.MRIQC)
	exec := &stubExecutor{}
	runner := stageexec.New(stageexec.WithExecutor(exec))

	if _, err := runner.Run(context.Background(), stage.FMRIPrep, ps, stageexec.Flags{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("executor must not run on configuration errors")
	}
}

func TestProcessExecutorCapturesLogsAndExitCode(t *testing.T) {
	binDir := t.TempDir()
	script := testsupport.WriteScript(t, binDir, "fake-singularity", `echo "converted $#"
echo "warning from tool" >&2
exit 3`)
	ps := setup(t, stage.BIDSStage1, testsupport.WithRuntime(script))
	runner := stageexec.New()

	result, err := runner.Run(context.Background(), stage.BIDSStage1, ps, stageexec.Flags{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 || result.Reason != stageexec.ReasonNonzeroExit {
		t.Fatalf("unexpected result %+v", result)
	}
	out, _ := os.ReadFile(result.StdoutLogPath)
	if !strings.HasPrefix(string(out), "converted ") {
		t.Fatalf("stdout log = %q", out)
	}
	errLog, _ := os.ReadFile(result.StderrLogPath)
	if !strings.Contains(string(errLog), "warning from tool") {
		t.Fatalf("stderr log = %q", errLog)
	}
}

func TestProcessExecutorCreatesMarker(t *testing.T) {
	ps := setup(t, stage.BIDSStage2)
	ps.Runtime = testsupport.WriteScript(t, t.TempDir(), "fake-apptainer", fmt.Sprintf("mkdir -p %q\nexit 0", ps.Marker))

	result, err := stageexec.New().Run(context.Background(), stage.BIDSStage2, ps, stageexec.Flags{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestProcessExecutorTimeoutKillsProcessGroup(t *testing.T) {
	binDir := t.TempDir()
	script := testsupport.WriteScript(t, binDir, "slow-runtime", "sleep 30 &\nwait")
	ps := setup(t, stage.MRIQC, testsupport.WithRuntime(script))
	runner := stageexec.New(stageexec.WithKillGrace(200 * time.Millisecond))

	start := time.Now()
	result, err := runner.Run(context.Background(), stage.MRIQC, ps, stageexec.Flags{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != stageexec.ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("process group was not terminated promptly (%s)", elapsed)
	}
}

func TestProcessExecutorMissingRuntime(t *testing.T) {
	ps := setup(t, stage.BIDSValidate, testsupport.WithRuntime(filepath.Join(t.TempDir(), "missing-singularity")))

	result, err := stageexec.New().Run(context.Background(), stage.BIDSValidate, ps, stageexec.Flags{})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if result.Reason != stageexec.ReasonLaunchError || result.ExitCode != -1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunWritesSessionFilterForFMRIPrep(t *testing.T) {
	ps := setup(t, stage.FMRIPrep)
	userFilter := filepath.Join(t.TempDir(), "bids_filter.json")
	testsupport.WriteText(t, userFilter, `{"bold": {"datatype": "func", "task": "rest", "session": "99"}}`)
	exec := &stubExecutor{createMarker: ps.Marker}
	runner := stageexec.New(stageexec.WithExecutor(exec))

	if _, err := runner.Run(context.Background(), stage.FMRIPrep, ps, stageexec.Flags{BIDSFilter: userFilter}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(ps.SessionFilter)
	if err != nil {
		t.Fatalf("session filter not written: %v", err)
	}
	var queries map[string]map[string]any
	if err := json.Unmarshal(data, &queries); err != nil {
		t.Fatalf("decode filter: %v", err)
	}
	if queries["bold"]["task"] != "rest" || queries["bold"]["session"] != "01" {
		t.Fatalf("user query not merged: %v", queries["bold"])
	}
	for _, name := range []string{"t1w", "fmap", "sbref"} {
		if queries[name]["session"] != "01" {
			t.Fatalf("%s query not scoped to the session: %v", name, queries[name])
		}
	}
}

func TestRunRejectsInvalidUserFilter(t *testing.T) {
	ps := setup(t, stage.FMRIPrep)
	userFilter := filepath.Join(t.TempDir(), "bids_filter.json")
	testsupport.WriteText(t, userFilter, "[1, 2]")
	exec := &stubExecutor{}
	runner := stageexec.New(stageexec.WithExecutor(exec))

	_, err := runner.Run(context.Background(), stage.FMRIPrep, ps, stageexec.Flags{BIDSFilter: userFilter})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("executor must not run with an unusable filter")
	}
}
