package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"neurorun/internal/batch"
	"neurorun/internal/config"
	"neurorun/internal/dataset"
	"neurorun/internal/deps"
	"neurorun/internal/preflight"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var (
		sessionID       string
		participants    []string
		force           bool
		skipFailed      bool
		nJobs           int
		metricsTextfile string
		sf              stageFlags
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run stages for every eligible participant in the manifest",
		Long: "Run each stage, in order, for every participant in the manifest whose ledger\n" +
			"status is not already success. --stage takes a comma separated list and\n" +
			"defaults to batch.stages. Failures are recorded and the stage continues; the\n" +
			"sequence stops after a stage with failures and the command exits non-zero.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stages, flags, err := sf.resolveStages(cfg)
			if err != nil {
				return err
			}
			for _, st := range stages {
				if err := batchPreflight(cfg, st, sf.testRun); err != nil {
					return err
				}
			}

			opts := batch.Options{
				Mode:         batch.ModeFull,
				Force:        force,
				SkipFailed:   skipFailed,
				SessionID:    sessionID,
				Participants: participants,
				Concurrency:  nJobs,
				Flags:        flags,
			}
			var manifest *dataset.Manifest
			if sf.testRun {
				opts.Mode = batch.ModeTestRun
			} else if manifest, err = ctx.loadManifest(sessionID); err != nil {
				return err
			}

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			orch := batch.New(cfg, led, batch.WithLogger(ctx.commandLogger()))
			var (
				reports []batch.Report
				runErr  error
			)
			if len(stages) == 1 {
				var report batch.Report
				report, runErr = orch.RunBatch(cmd.Context(), manifest, stages[0], opts)
				reports = []batch.Report{report}
			} else {
				reports, runErr = orch.RunStages(cmd.Context(), manifest, stages, opts)
			}

			if metricsTextfile != "" {
				if err := orch.Metrics().WriteTextfile(metricsTextfile); err != nil {
					runErr = errors.Join(runErr, fmt.Errorf("write metrics textfile: %w", err))
				}
			}
			for _, report := range reports {
				if len(report.Outcomes) > 0 || runErr == nil {
					printReport(cmd, report)
				}
			}
			if runErr != nil {
				return runErr
			}
			if len(reports) < len(stages) {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped before %s\n", stageNames(stages[len(reports):]))
			}
			if len(reports) > 0 {
				last := reports[len(reports)-1]
				if failed := len(last.Failed()); failed > 0 {
					return fmt.Errorf("%s: %d participant(s) failed in this batch", last.Stage, failed)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session_id", "", "Only run this session (default all sessions)")
	cmd.Flags().StringSliceVar(&participants, "participant_id", nil, "Only run these participants (repeatable or comma separated)")
	cmd.Flags().BoolVar(&force, "force", false, "Rerun participants that already succeeded")
	cmd.Flags().BoolVar(&skipFailed, "skip_failed", false, "Leave participants with a failed record alone")
	cmd.Flags().IntVar(&nJobs, "n_jobs", 0, "Participants to run in parallel (default batch.concurrency)")
	cmd.Flags().StringVar(&metricsTextfile, "metrics_textfile", "", "Write Prometheus metrics for this batch to a textfile")
	sf.register(cmd, true)
	return cmd
}

// batchPreflight checks the directories and the on-disk dependencies (runtime,
// image, licenses) st needs before any participant is launched.
func batchPreflight(cfg *config.Config, st stage.Stage, testRun bool) error {
	var details []string
	for _, r := range preflight.Failed(preflight.ForStage(cfg, st, testRun)) {
		details = append(details, r.Name+": "+r.Detail)
	}
	for _, d := range deps.Missing(preflight.StageDeps(cfg, st)) {
		details = append(details, d.Name+": "+d.Detail)
	}
	if len(details) > 0 {
		return services.Wrap(services.ErrConfiguration, string(st), "preflight", strings.Join(details, "; "), nil)
	}
	return nil
}

func stageNames(stages []stage.Stage) string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

func printReport(cmd *cobra.Command, report batch.Report) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	if len(report.Outcomes) == 0 {
		fmt.Fprintf(out, "No participants selected for %s\n", report.Stage)
		return
	}

	rows := make([][]string, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		action := "ran"
		if o.Skipped {
			action = "skipped: " + o.SkipReason
		}
		exit := ""
		if o.Launched() || o.Attempts > 0 {
			exit = strconv.Itoa(o.ExitCode)
		}
		rows = append(rows, []string{
			o.ParticipantID,
			o.SessionID,
			ledgerStatusText(o.Status, colorize),
			action,
			exit,
			o.Reason,
			o.LogPath,
		})
	}
	footer := []string{
		"Total",
		"",
		fmt.Sprintf("%d ok / %d failed / %d pending", report.Counts.Success, report.Counts.Failed, report.Counts.Pending),
		fmt.Sprintf("%d launched", report.Launched()),
	}
	fmt.Fprintln(out, renderTableWithFooter(
		[]string{"Participant", "Session", "Status", "Action", "Exit", "Reason", "Log"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		footer,
	))
	fmt.Fprintf(out, "%s (%s): success=%d failed=%d pending=%d\n",
		report.Stage, report.Mode, report.Counts.Success, report.Counts.Failed, report.Counts.Pending)
}
