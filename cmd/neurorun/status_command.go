package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"neurorun/internal/ledger"
	"neurorun/internal/stage"
)

type stageSummary struct {
	Stage   stage.Stage `json:"stage"`
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Pending int         `json:"pending"`
	Total   int         `json:"total"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		stageValue string
		sessionID  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize ledger status per stage",
		Long: "Summarize ledger status per stage. When the manifest is readable, every\n" +
			"participant in it is counted, and participants without a record are pending.",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := stage.All()
			if strings.TrimSpace(stageValue) != "" {
				st, err := stage.Parse(stageValue)
				if err != nil {
					return err
				}
				stages = []stage.Stage{st}
			}

			led, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer led.Close()

			counts := led.Summary()
			if manifest, err := ctx.loadManifest(sessionID); err == nil {
				participants := manifest.Filter(sessionID, nil)
				counts = make(map[stage.Stage]ledger.Counts, len(stages))
				for _, st := range stages {
					keys := make([]ledger.Key, 0, len(participants))
					for _, p := range participants {
						keys = append(keys, ledger.Key{ParticipantID: p.ID, SessionID: p.SessionID, Stage: st})
					}
					counts[st] = led.SummaryFor(keys)[st]
				}
			} else {
				ctx.commandLogger().Debug("manifest unavailable; summarizing ledger records only", "error", err)
			}

			summaries := make([]stageSummary, 0, len(stages))
			for _, st := range stages {
				c := counts[st]
				summaries = append(summaries, stageSummary{Stage: st, Success: c.Success, Failed: c.Failed, Pending: c.Pending, Total: c.Total()})
			}

			if jsonOutput {
				return writeJSON(cmd, summaries)
			}

			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{
					s.Stage.String(),
					strconv.Itoa(s.Success),
					strconv.Itoa(s.Failed),
					strconv.Itoa(s.Pending),
					strconv.Itoa(s.Total),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Stage", "Success", "Failed", "Pending", "Total"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&stageValue, "stage", "", "Only summarize this stage")
	cmd.Flags().StringVar(&sessionID, "session_id", "", "Only count this session")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
