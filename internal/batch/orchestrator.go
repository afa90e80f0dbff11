package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"neurorun/internal/config"
	"neurorun/internal/dataset"
	"neurorun/internal/layout"
	"neurorun/internal/ledger"
	"neurorun/internal/logging"
	"neurorun/internal/metrics"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

// Orchestrator runs stages for many participants and keeps the ledger in
// step with the outcome of each run.
type Orchestrator struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	runner    StageRunner
	layout    layout.Layout
	layoutSet bool
	metrics   *metrics.Batch
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs an Orchestrator. Without WithRunner, stages run as real
// processes supervised by stageexec.
func New(cfg *config.Config, led *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		ledger:  led,
		metrics: metrics.NewBatch(),
		logger:  logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if !o.layoutSet {
		o.layout = layout.FromConfig(cfg)
	}
	if o.runner == nil {
		o.runner = stageexec.New(
			stageexec.WithLogger(o.logger),
			stageexec.WithKillGrace(time.Duration(cfg.Batch.KillGraceSeconds)*time.Second),
		)
	}
	o.logger = logging.NewComponentLogger(o.logger, "batch")
	return o
}

// Metrics returns the collector updated by RunBatch.
func (o *Orchestrator) Metrics() *metrics.Batch {
	return o.metrics
}

// RunBatch runs st for every eligible participant selected by opts. The
// returned Report is always populated with whatever was attempted; the error
// is non-nil only for configuration problems, ledger failures, or a
// concurrent batch holding the lock.
func (o *Orchestrator) RunBatch(ctx context.Context, manifest *dataset.Manifest, st stage.Stage, opts Options) (Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	report := Report{
		RunID:     uuid.NewString(),
		Stage:     st,
		Mode:      opts.Mode,
		StartedAt: o.now(),
	}
	if !st.Valid() {
		return report, services.Wrap(services.ErrConfiguration, string(st), "batch", "unknown stage", nil)
	}
	if opts.Mode != ModeFull && opts.Mode != ModeTestRun {
		return report, services.Wrap(services.ErrConfiguration, string(st), "batch", fmt.Sprintf("unknown mode %q", opts.Mode), nil)
	}

	ctx = services.WithRunID(ctx, report.RunID)
	ctx = services.WithStage(ctx, string(st))
	logger := logging.WithContext(ctx, o.logger)

	targets, flags, err := o.plan(manifest, st, opts)
	if err != nil {
		return report, err
	}

	lock, err := acquireBatchLock(o.ledger.Path(), st)
	if err != nil {
		return report, err
	}
	defer func() { _ = lock.Unlock() }()

	if err := o.ledger.Refresh(ctx); err != nil {
		return report, err
	}
	o.pruneStageLogs(logger)

	report.Outcomes = make([]Outcome, len(targets))
	var eligible []int
	for i, t := range targets {
		report.Outcomes[i] = Outcome{ParticipantID: t.participantID, SessionID: t.sessionID}
		run, reason := eligibility(o.ledger, t, st, opts)
		if !run {
			rec, _ := o.ledger.Lookup(t.key(st))
			report.Outcomes[i] = skippedOutcome(t, rec, reason)
			logger.Debug("participant skipped",
				logging.String(logging.FieldParticipantID, t.participantID),
				logging.String(logging.FieldSessionID, t.sessionID),
				logging.String("reason", reason),
			)
			continue
		}
		eligible = append(eligible, i)
	}
	o.metrics.SetSelection(string(st), len(eligible), len(targets)-len(eligible))

	concurrency := o.concurrency(opts)
	logger.Info("batch started",
		logging.String(logging.FieldEventType, "batch_start"),
		logging.String("mode", string(opts.Mode)),
		logging.Int("selected", len(targets)),
		logging.Int("eligible", len(eligible)),
		logging.Int("concurrency", concurrency),
		logging.Bool("force", opts.Force),
	)

	locks := subjectLocks(targets, st)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for n, idx := range eligible {
		if gctx.Err() != nil {
			for _, rest := range eligible[n:] {
				report.Outcomes[rest].Skipped = true
				report.Outcomes[rest].SkipReason = SkipNotStarted
				report.Outcomes[rest].Status = o.ledger.Get(targets[rest].participantID, targets[rest].sessionID, st)
			}
			break
		}
		t := targets[idx]
		g.Go(func() error {
			if mu := locks[t.paths.BIDSParticipant]; mu != nil {
				mu.Lock()
				defer mu.Unlock()
			}
			if gctx.Err() != nil {
				report.Outcomes[idx].Skipped = true
				report.Outcomes[idx].SkipReason = SkipNotStarted
				report.Outcomes[idx].Status = o.ledger.Get(t.participantID, t.sessionID, st)
				return nil
			}
			outcome, err := o.runOne(gctx, report.RunID, st, t, flags)
			report.Outcomes[idx] = outcome
			return err
		})
	}
	runErr := g.Wait()

	keys := make([]ledger.Key, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, t.key(st))
	}
	report.Counts = o.ledger.SummaryFor(keys)[st]
	report.FinishedAt = o.now()
	o.metrics.BatchCompleted(string(st), report.FinishedAt)

	if runErr != nil {
		logging.ErrorWithContext(logger, "batch aborted", "batch_aborted",
			logging.Error(runErr),
			logging.ErrorKind(runErr),
			logging.String(logging.FieldErrorHint, "check the ledger file and its directory permissions"),
		)
		return report, runErr
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "batch_complete"),
		logging.Int("launched", report.Launched()),
		logging.Int("success", report.Counts.Success),
		logging.Int("failed", report.Counts.Failed),
		logging.Int("pending", report.Counts.Pending),
		logging.Duration("duration", report.Duration()),
	}
	if failed := len(report.Failed()); failed > 0 {
		logging.WarnWithContext(logger, "batch completed with failures", "batch_complete",
			append(attrs,
				logging.Int("failures_this_run", failed),
				logging.String(logging.FieldErrorHint, "inspect stage logs with 'neurorun ledger show --status failed'"),
			)...)
	} else {
		logger.Info("batch completed", logging.Args(attrs...)...)
	}
	return report, ctx.Err()
}

// RunParticipant runs st for a single participant regardless of ledger
// status, the way an operator retries one subject by hand. In test-run mode
// only the configured sample may run; empty ids fall back to it. The
// participant does not need to appear in the manifest.
func (o *Orchestrator) RunParticipant(ctx context.Context, participantID, sessionID string, st stage.Stage, opts Options) (Outcome, error) {
	if !st.Valid() {
		return Outcome{}, services.Wrap(services.ErrConfiguration, string(st), "run", "unknown stage", nil)
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	participantID = strings.TrimSpace(participantID)
	sessionID = dataset.NormalizeSession(sessionID)
	if opts.Mode == ModeTestRun {
		sample := strings.TrimSpace(o.cfg.TestRun.ParticipantID)
		sampleSession := dataset.NormalizeSession(o.cfg.TestRun.SessionID)
		if sample == "" || sampleSession == "" {
			return Outcome{}, services.Wrap(services.ErrConfiguration, string(st), "run", "test_run.participant_id and test_run.session_id must be set for a test run", nil)
		}
		if participantID == "" {
			participantID = sample
		}
		if sessionID == "" {
			sessionID = sampleSession
		}
		if participantID != sample || sessionID != sampleSession {
			return Outcome{}, services.Wrap(
				services.ErrConfiguration,
				string(st),
				"run",
				fmt.Sprintf("test runs are limited to the sample %s ses-%s, got %s ses-%s", sample, sampleSession, participantID, sessionID),
				nil,
			)
		}
	}

	lay, flags, err := o.prepare(opts)
	if err != nil {
		return Outcome{}, err
	}
	targets, err := resolveTargets(lay, [][2]string{{participantID, sessionID}}, st, flags)
	if err != nil {
		return Outcome{}, err
	}
	if err := o.ledger.Refresh(ctx); err != nil {
		return Outcome{}, err
	}

	runID := uuid.NewString()
	ctx = services.WithRunID(ctx, runID)
	o.metrics.SetSelection(string(st), 1, 0)
	outcome, err := o.runOne(ctx, runID, st, targets[0], flags)
	o.metrics.BatchCompleted(string(st), o.now())
	return outcome, err
}

// plan selects and resolves every target of one batch without touching the
// ledger or launching anything.
func (o *Orchestrator) plan(manifest *dataset.Manifest, st stage.Stage, opts Options) ([]target, stageexec.Flags, error) {
	lay, flags, err := o.prepare(opts)
	if err != nil {
		return nil, flags, err
	}
	pairs, err := selectParticipants(o.cfg, manifest, opts)
	if err != nil {
		return nil, flags, err
	}
	targets, err := resolveTargets(lay, pairs, st, flags)
	if err != nil {
		return nil, flags, err
	}
	return targets, flags, nil
}

// prepare returns the layout and flags for opts.Mode. Test runs are
// redirected to the test data directory and run with the test-run flag.
func (o *Orchestrator) prepare(opts Options) (layout.Layout, stageexec.Flags, error) {
	flags := opts.Flags
	lay := o.layout
	if opts.Mode == ModeTestRun {
		flags.TestRun = true
		var err error
		if lay, err = lay.ForTestRun(); err != nil {
			return layout.Layout{}, flags, err
		}
	}
	if flags.Timeout <= 0 && o.cfg.Batch.TimeoutSeconds > 0 {
		flags.Timeout = time.Duration(o.cfg.Batch.TimeoutSeconds) * time.Second
	}
	return lay, flags, nil
}

// runOne records running, executes the stage, and records the outcome. Only
// ledger failures are returned as errors.
func (o *Orchestrator) runOne(ctx context.Context, runID string, st stage.Stage, t target, flags stageexec.Flags) (Outcome, error) {
	outcome := Outcome{ParticipantID: t.participantID, SessionID: t.sessionID, ExitCode: -1}
	key := t.key(st)
	// Ledger writes must land even after cancellation so the final state of
	// an interrupted run is still recorded.
	writeCtx := context.WithoutCancel(ctx)

	if _, err := o.ledger.Record(writeCtx, ledger.Entry{Key: key, Status: ledger.StatusRunning, ExitCode: -1, RunID: runID}); err != nil {
		outcome.Status = ledger.StatusPending
		outcome.Err = err
		return outcome, err
	}

	o.metrics.StageStarted()
	result, runErr := o.runner.Run(ctx, st, t.paths, flags)

	entry := ledger.Entry{
		Key:           key,
		ExitCode:      result.ExitCode,
		LogPath:       result.StdoutLogPath,
		StderrLogPath: result.StderrLogPath,
		Reason:        result.Reason,
		RunID:         runID,
	}
	switch {
	case runErr != nil:
		entry.Status = ledger.StatusFailed
		entry.ExitCode = -1
		if entry.Reason == "" {
			entry.Reason = services.Kind(runErr)
		}
		if errors.Is(runErr, services.ErrExternalTool) {
			entry.Reason = stageexec.ReasonLaunchError
		}
	case result.Reason == stageexec.ReasonCanceled:
		entry.Status = ledger.StatusPending
	case result.Succeeded():
		entry.Status = ledger.StatusSuccess
	default:
		entry.Status = ledger.StatusFailed
	}

	rec, err := o.ledger.Record(writeCtx, entry)
	o.metrics.StageFinished(string(st), string(entry.Status), entry.Reason, result.Duration)
	if err != nil {
		outcome.Err = err
		return outcome, err
	}

	outcome.Status = rec.Status
	outcome.ExitCode = rec.ExitCode
	outcome.Reason = rec.Reason
	outcome.LogPath = rec.LogPath
	outcome.StderrLogPath = rec.StderrLogPath
	outcome.Attempts = rec.Attempts
	outcome.Duration = result.Duration
	outcome.Err = runErr
	if outcome.Err == nil && entry.Status == ledger.StatusFailed {
		outcome.Err = result.Failure(st)
	}
	return outcome, nil
}

func (o *Orchestrator) concurrency(opts Options) int {
	n := opts.Concurrency
	if n <= 0 {
		n = o.cfg.Batch.Concurrency
	}
	if n <= 0 {
		n = 1
	}
	return n
}

func (o *Orchestrator) pruneStageLogs(logger *slog.Logger) {
	logDir, ok := o.layout.Location(stage.LocLogs)
	if !ok {
		return
	}
	removed := logging.CleanupOldLogs(logger, o.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:       logDir,
		Patterns:  []string{"*.out", "*.err"},
		Recursive: true,
	})
	if removed > 0 {
		logger.Info("pruned stage logs",
			logging.String(logging.FieldEventType, "log_retention"),
			logging.Int("removed", removed),
			logging.Int("retention_days", o.cfg.Logging.RetentionDays),
		)
	}
}

func skippedOutcome(t target, rec ledger.Record, reason string) Outcome {
	return Outcome{
		ParticipantID: t.participantID,
		SessionID:     t.sessionID,
		Status:        rec.Status,
		Skipped:       true,
		SkipReason:    reason,
		ExitCode:      rec.ExitCode,
		Reason:        rec.Reason,
		LogPath:       rec.LogPath,
		StderrLogPath: rec.StderrLogPath,
		Attempts:      rec.Attempts,
	}
}
