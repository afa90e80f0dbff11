package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neurorun/internal/layout"
	"neurorun/internal/logging"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

const defaultKillGrace = 30 * time.Second

// Failure reasons reported in Result.Reason and stored in the ledger.
const (
	ReasonNonzeroExit   = "nonzero_exit"
	ReasonMarkerMissing = "marker_missing"
	ReasonTimeout       = "timeout"
	ReasonLaunchError   = "launch_error"
	ReasonCanceled      = "canceled"
)

// Result describes one finished stage run.
type Result struct {
	ExitCode            int
	StdoutLogPath       string
	StderrLogPath       string
	OutputMarkerPresent bool
	Reason              string
	Duration            time.Duration
	Command             []string
}

// Succeeded is the stage post-condition: the tool exited 0 and left its
// output marker on disk.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && r.OutputMarkerPresent && r.Reason == ""
}

// Failure converts an unsuccessful result into a classified error, or nil.
func (r Result) Failure(st stage.Stage) error {
	if r.Succeeded() {
		return nil
	}
	switch r.Reason {
	case ReasonTimeout:
		return services.Wrap(services.ErrTimeout, string(st), "run", fmt.Sprintf("timed out after %s (logs: %s)", r.Duration.Round(time.Second), r.StderrLogPath), nil)
	case ReasonLaunchError:
		return services.Wrap(services.ErrExternalTool, string(st), "run", "tool could not be launched", nil)
	case ReasonMarkerMissing:
		return services.Wrap(services.ErrStageFailure, string(st), "run", fmt.Sprintf("exited 0 but output marker is missing (logs: %s)", r.StdoutLogPath), nil)
	default:
		return services.Wrap(services.ErrStageFailure, string(st), "run", fmt.Sprintf("exit code %d, reason %s (logs: %s)", r.ExitCode, r.Reason, r.StderrLogPath), nil)
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// WithLogger sets the logger used for stage lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithKillGrace sets how long a timed-out process group gets between SIGTERM
// and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithClock overrides the time source used for log file names.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner executes stages. It is safe for concurrent use.
type Runner struct {
	exec      Executor
	logger    *slog.Logger
	now       func() time.Time
	killGrace time.Duration
}

// New constructs a Runner that launches real processes unless WithExecutor
// is supplied.
func New(opts ...Option) *Runner {
	r := &Runner{
		exec:      processExecutor{killGrace: defaultKillGrace},
		logger:    logging.NewNop(),
		now:       time.Now,
		killGrace: defaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if pe, ok := r.exec.(processExecutor); ok {
		pe.killGrace = r.killGrace
		r.exec = pe
	}
	r.logger = logging.NewComponentLogger(r.logger, "stageexec")
	return r
}

// Run executes st for the participant described by ps. A non-zero exit,
// missing marker, or timeout is reported in the Result with a nil error. The
// error is non-nil only for configuration problems and tools that could not
// be launched (services.ErrExternalTool).
func (r *Runner) Run(ctx context.Context, st stage.Stage, ps layout.PathSet, flags Flags) (Result, error) {
	if ps.Stage != st {
		return Result{}, services.Wrap(services.ErrConfiguration, string(st), "run", fmt.Sprintf("path set was resolved for %q", ps.Stage), nil)
	}
	cmd, err := BuildCommand(ps, flags)
	if err != nil {
		return Result{}, err
	}

	ctx = services.WithParticipant(ctx, ps.ParticipantID, ps.SessionID)
	ctx = services.WithStage(ctx, string(st))
	logger := logging.WithContext(ctx, r.logger)

	result := Result{ExitCode: -1, Command: cmd.Argv()}
	if err := prepareDirs(ps); err != nil {
		result.Reason = ReasonLaunchError
		return result, services.Wrap(services.ErrExternalTool, string(st), "prepare", "", err)
	}
	if err := writeSessionFilter(ps, flags); err != nil {
		if errors.Is(err, services.ErrConfiguration) {
			return Result{}, err
		}
		result.Reason = ReasonLaunchError
		return result, services.Wrap(services.ErrExternalTool, string(st), "session filter", ps.SessionFilter, err)
	}

	stdout, stderr, err := r.openLogs(ps)
	if err != nil {
		result.Reason = ReasonLaunchError
		return result, services.Wrap(services.ErrExternalTool, string(st), "open logs", ps.LogDir, err)
	}
	result.StdoutLogPath = stdout.Name()
	result.StderrLogPath = stderr.Name()
	defer stdout.Close()
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runCtx := ctx
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("image", ps.ContainerImage),
		logging.String("stdout_log", result.StdoutLogPath),
		logging.Bool("test_run", flags.TestRun),
	)
	logger.Debug("stage command", logging.String("argv", strings.Join(result.Command, " ")))

	start := time.Now()
	code, runErr := r.exec.Run(runCtx, cmd)
	result.Duration = time.Since(start)
	result.ExitCode = code

	switch {
	case runErr == nil:
	case errors.Is(runErr, services.ErrExternalTool):
		result.ExitCode = -1
		result.Reason = ReasonLaunchError
		logging.ErrorWithContext(logger, "stage could not be launched", "stage_launch_failed",
			logging.Error(runErr),
			logging.String("runtime", ps.Runtime),
			logging.String(logging.FieldErrorHint, "run 'neurorun doctor' to check the container runtime and images"),
		)
		return result, fmt.Errorf("%s: %w", st, runErr)
	case ctx.Err() != nil:
		result.Reason = ReasonCanceled
		logging.WarnWithContext(logger, "stage canceled", "stage_canceled",
			logging.Duration("duration", result.Duration),
			logging.String(logging.FieldImpact, "participant stays eligible for the next run"),
		)
		return result, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Reason = ReasonTimeout
		logging.WarnWithContext(logger, "stage timed out", "stage_timeout",
			logging.Duration("timeout", flags.Timeout),
			logging.String("stderr_log", result.StderrLogPath),
			logging.String(logging.FieldErrorHint, "raise batch.timeout_seconds or --timeout"),
			logging.String(logging.FieldImpact, "participant recorded as failed"),
		)
		return result, nil
	default:
		result.ExitCode = -1
		result.Reason = ReasonLaunchError
		return result, services.Wrap(services.ErrExternalTool, string(st), "run", ps.Runtime, runErr)
	}

	result.OutputMarkerPresent = exists(ps.Marker)
	switch {
	case result.ExitCode != 0:
		result.Reason = ReasonNonzeroExit
	case !result.OutputMarkerPresent:
		result.Reason = ReasonMarkerMissing
	}

	if result.Succeeded() {
		logger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Duration("duration", result.Duration),
			logging.String("marker", ps.Marker),
		)
	} else {
		logging.WarnWithContext(logger, "stage failed", "stage_failure",
			logging.Int("exit_code", result.ExitCode),
			logging.String("reason", result.Reason),
			logging.String("marker", ps.Marker),
			logging.String("stderr_log", result.StderrLogPath),
			logging.String(logging.FieldErrorHint, "inspect the stage stderr log"),
			logging.String(logging.FieldImpact, "participant recorded as failed"),
		)
	}
	return result, nil
}

// LogPrefix is the file name prefix shared by every stage log of ps. A
// timestamp and the .out or .err extension follow it.
func LogPrefix(ps layout.PathSet) string {
	return fmt.Sprintf("%s_%s_%s_", ps.BIDSParticipant, ps.BIDSSession, ps.Stage)
}

func (r *Runner) openLogs(ps layout.PathSet) (*os.File, *os.File, error) {
	base := LogPrefix(ps) + r.now().Format("20060102-150405")
	stdout, err := os.OpenFile(filepath.Join(ps.LogDir, base+".out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(filepath.Join(ps.LogDir, base+".err"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func prepareDirs(ps layout.PathSet) error {
	dirs := []string{ps.LogDir, ps.BIDSDir}
	if ps.OutputDir != ps.BIDSDir {
		dirs = append(dirs, ps.OutputDir)
	}
	if ps.WorkDir != "" {
		dirs = append(dirs, ps.WorkDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
