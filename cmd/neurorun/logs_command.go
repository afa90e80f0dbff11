package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorun/internal/dataset"
	"neurorun/internal/layout"
	"neurorun/internal/ledger"
	"neurorun/internal/logs"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		stageValue    string
		participantID string
		sessionID     string
		stderr        bool
		testRun       bool
		lines         int
		follow        bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the latest stage log for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := stage.Parse(stageValue)
			if err != nil {
				return err
			}
			if testRun {
				if participantID == "" {
					participantID = cfg.TestRun.ParticipantID
				}
				if sessionID == "" {
					sessionID = cfg.TestRun.SessionID
				}
			}
			participantID = strings.TrimSpace(participantID)
			sessionID = dataset.NormalizeSession(sessionID)
			if participantID == "" || sessionID == "" {
				return fmt.Errorf("--participant_id and --session_id are required (or use --test_run)")
			}

			path, err := stageLogPath(ctx, st, participantID, sessionID, stderr, testRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "==> %s <==\n", path)
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			return logs.Follow(cmd.Context(), path, offset, 500*time.Millisecond, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}

	cmd.Flags().StringVar(&stageValue, "stage", "", "Stage whose log to show")
	cmd.Flags().StringVar(&participantID, "participant_id", "", "Participant id from the manifest")
	cmd.Flags().StringVar(&sessionID, "session_id", "", "Session id, with or without the ses- prefix")
	cmd.Flags().BoolVar(&stderr, "stderr", false, "Show the stderr log instead of stdout")
	cmd.Flags().BoolVar(&testRun, "test_run", false, "Use the test run participant and test data logs")
	cmd.Flags().IntVarP(&lines, "lines", "n", 40, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as the stage writes them")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// stageLogPath prefers the log recorded in the ledger and falls back to the
// newest log on disk, which covers runs interrupted before their final
// ledger write.
func stageLogPath(ctx *commandContext, st stage.Stage, participantID, sessionID string, stderr, testRun bool) (string, error) {
	led, err := ctx.openLedger()
	if err != nil {
		return "", err
	}
	defer led.Close()

	if rec, ok := led.Lookup(ledger.Key{ParticipantID: participantID, SessionID: sessionID, Stage: st}); ok {
		path := rec.LogPath
		if stderr {
			path = rec.StderrLogPath
		}
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return "", err
	}
	lay := layout.FromConfig(cfg)
	if testRun {
		if lay, err = lay.ForTestRun(); err != nil {
			return "", err
		}
	}
	ps, err := layout.Resolve(lay, participantID, sessionID, st)
	if err != nil {
		return "", err
	}
	ext := ".out"
	if stderr {
		ext = ".err"
	}
	path, err := logs.Latest(ps.LogDir, stageexec.LogPrefix(ps), ext)
	if errors.Is(err, logs.ErrNoLogs) {
		return "", fmt.Errorf("%s has no %s logs for %s ses-%s: %w", st, strings.TrimPrefix(ext, "."), participantID, sessionID, err)
	}
	return path, err
}
