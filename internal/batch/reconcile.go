package batch

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"neurorun/internal/dataset"
	"neurorun/internal/layout"
	"neurorun/internal/ledger"
	"neurorun/internal/logging"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

// ReasonReconciled marks a success recorded from an existing output marker
// rather than from a run.
const ReasonReconciled = "reconciled"

// SyncOptions control Reconcile.
type SyncOptions struct {
	// Stages to check. Empty means every stage.
	Stages       []stage.Stage
	SessionID    string
	Participants []string
	// DryRun reports the changes without writing them.
	DryRun bool
}

// SyncChange is one ledger record Reconcile moved (or would move).
type SyncChange struct {
	ParticipantID string        `json:"participant_id"`
	SessionID     string        `json:"session_id"`
	Stage         stage.Stage   `json:"stage"`
	From          ledger.Status `json:"from"`
	To            ledger.Status `json:"to"`
	Recorded      bool          `json:"recorded"`
}

// SyncReport summarizes one Reconcile call.
type SyncReport struct {
	RunID   string       `json:"run_id"`
	DryRun  bool         `json:"dry_run"`
	Checked int          `json:"checked"`
	Changes []SyncChange `json:"changes"`
	// Unavailable lists stages the layout cannot resolve, e.g. fmriprep
	// without a FreeSurfer license configured.
	Unavailable []stage.Stage `json:"unavailable,omitempty"`
}

// Reconcile brings the ledger in line with the output markers on disk for
// every manifest participant and stage. A present marker is recorded as
// success; a success or running record whose marker is gone goes back to
// pending. Failed records without a marker and participants with neither a
// record nor a marker are left alone. Each stage is checked under its batch
// lock, so a stage with a batch in progress fails with ErrBatchInProgress.
func (o *Orchestrator) Reconcile(ctx context.Context, manifest *dataset.Manifest, opts SyncOptions) (SyncReport, error) {
	report := SyncReport{RunID: uuid.NewString(), DryRun: opts.DryRun, Changes: []SyncChange{}}
	if manifest == nil {
		return report, services.Wrap(services.ErrConfiguration, "ledger", "sync", "manifest is required", nil)
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = stage.All()
	}
	for _, st := range stages {
		if !st.Valid() {
			return report, services.Wrap(services.ErrConfiguration, string(st), "sync", "unknown stage", nil)
		}
	}
	pairs, err := selectParticipants(o.cfg, manifest, Options{Mode: ModeFull, SessionID: opts.SessionID, Participants: opts.Participants})
	if err != nil {
		return report, err
	}

	ctx = services.WithRunID(ctx, report.RunID)
	logger := logging.WithContext(ctx, o.logger)

	for _, st := range stages {
		targets, err := resolveTargetPaths(o.layout, pairs, st)
		if errors.Is(err, services.ErrConfiguration) {
			report.Unavailable = append(report.Unavailable, st)
			logger.Debug("stage not resolvable",
				logging.String(logging.FieldStage, string(st)),
				logging.Error(err),
			)
			continue
		}
		if err != nil {
			return report, err
		}
		if err := o.reconcileStage(ctx, st, targets, &report); err != nil {
			return report, err
		}
	}

	logger.Info("ledger reconciled",
		logging.String(logging.FieldEventType, "ledger_sync"),
		logging.Bool("dry_run", opts.DryRun),
		logging.Int("checked", report.Checked),
		logging.Int("changes", len(report.Changes)),
		logging.Int("unavailable_stages", len(report.Unavailable)),
	)
	return report, nil
}

func (o *Orchestrator) reconcileStage(ctx context.Context, st stage.Stage, targets []target, report *SyncReport) error {
	lock, err := acquireBatchLock(o.ledger.Path(), st)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := o.ledger.Refresh(ctx); err != nil {
		return err
	}
	for _, t := range targets {
		report.Checked++
		rec, ok := o.ledger.Lookup(t.key(st))
		entry, changed := reconcileEntry(t.key(st), rec, ok, markerExists(t.paths.Marker))
		if !changed {
			continue
		}
		entry.RunID = report.RunID
		change := SyncChange{
			ParticipantID: t.participantID,
			SessionID:     t.sessionID,
			Stage:         st,
			From:          ledger.StatusPending,
			To:            entry.Status,
		}
		if ok {
			change.From = rec.Status
		}
		if !report.DryRun {
			if _, err := o.ledger.Record(ctx, entry); err != nil {
				return err
			}
			change.Recorded = true
		}
		report.Changes = append(report.Changes, change)
	}
	return nil
}

// reconcileEntry returns the entry that makes the record for key agree with
// the marker, and whether one is needed. Log paths of the last run are kept.
func reconcileEntry(key ledger.Key, rec ledger.Record, hasRecord, marker bool) (ledger.Entry, bool) {
	entry := ledger.Entry{Key: key, ExitCode: -1}
	if hasRecord {
		entry.ExitCode = rec.ExitCode
		entry.LogPath = rec.LogPath
		entry.StderrLogPath = rec.StderrLogPath
	}
	switch {
	case marker && (!hasRecord || rec.Status != ledger.StatusSuccess):
		entry.Status = ledger.StatusSuccess
		entry.ExitCode = 0
		entry.Reason = ReasonReconciled
		return entry, true
	case !marker && hasRecord && (rec.Status == ledger.StatusSuccess || rec.Status == ledger.StatusRunning):
		entry.Status = ledger.StatusPending
		entry.Reason = stageexec.ReasonMarkerMissing
		return entry, true
	}
	return entry, false
}

// resolveTargetPaths resolves paths only. Unlike resolveTargets it does not
// build commands, so a stage can be checked without its run flags.
func resolveTargetPaths(l layout.Layout, pairs [][2]string, st stage.Stage) ([]target, error) {
	targets := make([]target, 0, len(pairs))
	for _, pair := range pairs {
		ps, err := layout.Resolve(l, pair[0], pair[1], st)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{participantID: pair[0], sessionID: pair[1], paths: ps})
	}
	return targets, nil
}
