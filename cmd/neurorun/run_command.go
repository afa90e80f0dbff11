package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorun/internal/batch"
	"neurorun/internal/ledger"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		participantID string
		sessionID     string
		sf            stageFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one stage for one participant",
		Long: "Run one stage for one participant and record the result in the ledger.\n" +
			"The stage always runs, even when the ledger already records success.\n" +
			"Exits non-zero unless the tool exits 0 and leaves its output marker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, flags, err := sf.resolve(cfg)
			if err != nil {
				return err
			}
			if !sf.testRun && (strings.TrimSpace(participantID) == "" || strings.TrimSpace(sessionID) == "") {
				return fmt.Errorf("--participant_id and --session_id are required (or use --test_run)")
			}

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			mode := batch.ModeFull
			if sf.testRun {
				mode = batch.ModeTestRun
			}
			orch := batch.New(cfg, led, batch.WithLogger(ctx.commandLogger()))
			outcome, err := orch.RunParticipant(cmd.Context(), participantID, sessionID, st, batch.Options{Mode: mode, Flags: flags})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "%s ses-%s %s: %s (exit %d, attempt %d, %s)\n",
				outcome.ParticipantID,
				outcome.SessionID,
				st,
				ledgerStatusText(outcome.Status, colorize),
				outcome.ExitCode,
				outcome.Attempts,
				outcome.Duration.Round(time.Second),
			)
			if outcome.LogPath != "" {
				fmt.Fprintf(out, "  stdout: %s\n  stderr: %s\n", outcome.LogPath, outcome.StderrLogPath)
			}
			if outcome.Status != ledger.StatusSuccess {
				if outcome.Err != nil {
					return outcome.Err
				}
				return fmt.Errorf("%s did not complete for %s (status %s)", st, outcome.ParticipantID, outcome.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&participantID, "participant_id", "", "Participant id from the manifest")
	cmd.Flags().StringVar(&sessionID, "session_id", "", "Session id, with or without the ses- prefix")
	sf.register(cmd, false)
	return cmd
}
