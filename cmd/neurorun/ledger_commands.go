package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorun/internal/batch"
	"neurorun/internal/ledger"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect, reconcile, and back up the status ledger",
	}
	ledgerCmd.AddCommand(newLedgerShowCommand(ctx))
	ledgerCmd.AddCommand(newLedgerBackupCommand(ctx))
	ledgerCmd.AddCommand(newLedgerSyncCommand(ctx))
	return ledgerCmd
}

func newLedgerShowCommand(ctx *commandContext) *cobra.Command {
	var (
		stageValue    string
		statusValue   string
		participantID string
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filterStage stage.Stage
			if strings.TrimSpace(stageValue) != "" {
				st, err := stage.Parse(stageValue)
				if err != nil {
					return err
				}
				filterStage = st
			}
			filterStatus := ledger.Status(strings.ToLower(strings.TrimSpace(statusValue)))
			if filterStatus != "" && !filterStatus.Valid() {
				return services.Wrap(services.ErrConfiguration, "ledger", "show",
					fmt.Sprintf("unknown status %q (want pending, running, success, or failed)", statusValue), nil)
			}
			participantID = strings.TrimSpace(participantID)

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			records := make([]ledger.Record, 0)
			for _, rec := range led.List() {
				if filterStage != "" && rec.Stage != filterStage {
					continue
				}
				if filterStatus != "" && rec.Status != filterStatus {
					continue
				}
				if participantID != "" && rec.ParticipantID != participantID {
					continue
				}
				records = append(records, rec)
			}

			if jsonOutput {
				return writeJSON(cmd, records)
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No ledger records")
				return nil
			}
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					rec.ParticipantID,
					rec.SessionID,
					rec.Stage.String(),
					ledgerStatusText(rec.Status, colorize),
					strconv.Itoa(rec.ExitCode),
					strconv.Itoa(rec.Attempts),
					rec.Reason,
					rec.Timestamp.Local().Format(time.DateTime),
					rec.LogPath,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Participant", "Session", "Stage", "Status", "Exit", "Attempts", "Reason", "Updated", "Log"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&stageValue, "stage", "", "Only show this stage")
	cmd.Flags().StringVar(&statusValue, "status", "", "Only show records with this status")
	cmd.Flags().StringVar(&participantID, "participant_id", "", "Only show this participant")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newLedgerBackupCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a timestamped copy of the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target := strings.TrimSpace(dir)
			if target == "" {
				target = cfg.Paths.BackupDir
			}

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			dest, err := led.Backup(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger backed up to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Backup directory (default paths.backup_dir)")
	return cmd
}

func newLedgerSyncCommand(ctx *commandContext) *cobra.Command {
	var (
		stageValue   string
		sessionID    string
		participants []string
		dryRun       bool
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile ledger records with the output markers on disk",
		Long: "Check every manifest participant and stage against its output marker.\n" +
			"Outputs without a success record are recorded as success; success or\n" +
			"running records whose outputs are gone are set back to pending.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var stages []stage.Stage
			for _, name := range strings.Split(stageValue, ",") {
				if strings.TrimSpace(name) == "" {
					continue
				}
				st, err := stage.Parse(name)
				if err != nil {
					return err
				}
				stages = append(stages, st)
			}
			manifest, err := ctx.loadManifest(sessionID)
			if err != nil {
				return err
			}

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			orch := batch.New(cfg, led, batch.WithLogger(ctx.commandLogger()))
			report, err := orch.Reconcile(cmd.Context(), manifest, batch.SyncOptions{
				Stages:       stages,
				SessionID:    sessionID,
				Participants: participants,
				DryRun:       dryRun,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			if len(report.Changes) == 0 {
				fmt.Fprintf(out, "Ledger matches outputs (%d checked)\n", report.Checked)
			} else {
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(report.Changes))
				for _, c := range report.Changes {
					rows = append(rows, []string{
						c.ParticipantID,
						c.SessionID,
						c.Stage.String(),
						ledgerStatusText(c.From, colorize),
						ledgerStatusText(c.To, colorize),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Participant", "Session", "Stage", "From", "To"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				verb := "Updated"
				if report.DryRun {
					verb = "Would update"
				}
				fmt.Fprintf(out, "%s %d of %d record(s)\n", verb, len(report.Changes), report.Checked)
			}
			for _, st := range report.Unavailable {
				fmt.Fprintf(out, "Skipped %s: layout is missing a required location\n", st)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stageValue, "stage", "", "Comma separated stages to check (default all)")
	cmd.Flags().StringVar(&sessionID, "session_id", "", "Only check this session (default all sessions)")
	cmd.Flags().StringSliceVar(&participants, "participant_id", nil, "Only check these participants (repeatable or comma separated)")
	cmd.Flags().BoolVar(&dryRun, "dry_run", false, "Report the changes without writing them")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
