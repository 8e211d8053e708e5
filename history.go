package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/progress"
)

const defaultHistoryLimit = 20

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent activities",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().Int("limit", defaultHistoryLimit, "number of activities to show")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	b, err := openBackends(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer b.Close()

	acts, err := b.progress.RecentActivities(ctx, cc.Cfg.UserID, limit)
	if err != nil {
		return fmt.Errorf("reading activities: %w", err)
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		if acts == nil {
			acts = []progress.Activity{}
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(acts)
	}

	if len(acts) == 0 {
		fmt.Fprintln(out, "No activities yet.")
		return nil
	}

	rows := make([][]string, 0, len(acts))
	for _, a := range acts {
		rows = append(rows, []string{
			formatTime(a.RecordedAt),
			string(a.Type),
			formatNumber(a.Steps),
			formatNumber(a.CoinsEarned),
			formatMinutes(a.DurationMinutes),
			a.Title,
		})
	}

	printTable(out, []string{"WHEN", "TYPE", "STEPS", "COINS", "MINUTES", "TITLE"}, rows)

	return nil
}

func formatMinutes(m float64) string {
	if m <= 0 {
		return "-"
	}

	return strconv.FormatFloat(m, 'f', 0, 64)
}
