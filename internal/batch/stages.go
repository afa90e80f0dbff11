package batch

import (
	"context"
	"fmt"
	"strings"

	"neurorun/internal/dataset"
	"neurorun/internal/logging"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

// RunStages runs stages in order, one RunBatch each. Every stage is planned
// before the first starts, so a configuration problem in a later stage
// launches nothing. The sequence stops after the first stage that had
// failures in this run; the returned reports then cover fewer stages than
// were requested.
//
// With more than one stage, flags a stage does not accept (anat_only,
// bids_filter) are dropped for that stage instead of rejected.
func (o *Orchestrator) RunStages(ctx context.Context, manifest *dataset.Manifest, stages []stage.Stage, opts Options) ([]Report, error) {
	if len(stages) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "batch", "stages", "no stages to run; pass --stage or set batch.stages", nil)
	}
	seen := make(map[stage.Stage]struct{}, len(stages))
	for _, st := range stages {
		if !st.Valid() {
			return nil, services.Wrap(services.ErrConfiguration, string(st), "stages", "unknown stage", nil)
		}
		if _, dup := seen[st]; dup {
			return nil, services.Wrap(services.ErrConfiguration, string(st), "stages", "stage listed twice", nil)
		}
		seen[st] = struct{}{}
		if _, _, err := o.plan(manifest, st, stageOptions(opts, st, len(stages))); err != nil {
			return nil, err
		}
	}

	reports := make([]Report, 0, len(stages))
	for i, st := range stages {
		report, err := o.RunBatch(ctx, manifest, st, stageOptions(opts, st, len(stages)))
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
		if failed := len(report.Failed()); failed > 0 && i < len(stages)-1 {
			logging.WarnWithContext(o.logger, "stage sequence stopped", "stages_stopped",
				logging.String(logging.FieldStage, string(st)),
				logging.Int("failures_this_run", failed),
				logging.String("not_run", joinStages(stages[i+1:])),
				logging.String(logging.FieldErrorHint, fmt.Sprintf("fix the %s failures and rerun the batch", st)),
				logging.String(logging.FieldImpact, "later stages were not started"),
			)
			return reports, nil
		}
	}
	return reports, nil
}

func stageOptions(opts Options, st stage.Stage, total int) Options {
	if total > 1 {
		opts.Flags = opts.Flags.For(st)
	}
	return opts
}

func joinStages(stages []stage.Stage) string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	return strings.Join(names, ",")
}
