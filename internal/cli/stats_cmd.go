// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chat/internal/telemetry"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

var errNoLedger = errors.New("run ledger is disabled (telemetry.enabled = false)")

func newStatsCommand(a *app) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show recorded run statistics",
		Long: `Show totals from the local run ledger and the most recent runs.

Examples:
  rigchat stats
  rigchat stats --recent 25`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Telemetry.Enabled {
				return errNoLedger
			}
			runlog, err := telemetry.Open(a.cfg.Telemetry.DBPath)
			if err != nil {
				return err
			}
			defer runlog.Close()

			ctx := cmd.Context()
			sum, err := runlog.Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, TitleStyle.Render("Run Statistics"))
			fmt.Fprintln(a.stdout, RenderSeparator(20))
			printSummary(a.stdout, sum)

			if recent <= 0 || sum.Runs == 0 {
				return nil
			}
			records, err := runlog.Recent(ctx, recent)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout)
			fmt.Fprintln(a.stdout, TitleStyle.Render("Recent Runs"))
			for _, rec := range records {
				printRecord(a.stdout, rec)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent runs to list")
	return cmd
}

func printSummary(w io.Writer, sum telemetry.Summary) {
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Runs:"), sum.Runs)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Completed:"), sum.Completed)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Failed:"), sum.Failed)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Cancelled:"), sum.Cancelled)
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Tokens:"), sum.Tokens)
	fmt.Fprintf(w, "%s%.2f\n", RenderLabel("Avg tokens/sec:"), sum.AvgTokensPerSecond)
}

func printRecord(w io.Writer, rec telemetry.Record) {
	detail := rec.Timings
	if detail == "" {
		detail = rec.Error
	}
	fmt.Fprintf(w, "  %s  %-9s %5d tok  %s\n",
		DimStyle.Render(rec.FinishedAt.Format("2006-01-02 15:04:05")),
		rec.Outcome, rec.Tokens, util.TruncateWidth(detail, 48))
}
