package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/reconcile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show total steps, today's steps and coins",
		Long: `Display the synced progress for the configured user: lifetime steps,
today's steps (UTC day), coins and achievements. Steps counted locally
but not yet synced are shown as pending.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusReport is the status command's output.
type statusReport struct {
	UserID        string    `json:"user_id"`
	TotalSteps    int64     `json:"total_steps"`
	TodaySteps    int64     `json:"today_steps"`
	Coins         int64     `json:"coins"`
	Achievements  []string  `json:"achievements"`
	PendingSteps  int64     `json:"pending_steps"`
	LastSynced    time.Time `json:"last_synced_at,omitzero"`
	DaemonRunning bool      `json:"daemon_running"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	b, err := openBackends(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := buildStatus(ctx, b.progress, b.checkpoints, cc.Cfg.UserID, time.Now())
	if err != nil {
		return err
	}

	report.DaemonRunning = daemonRunning(pidFilePath(cc.Cfg))

	return printStatus(cmd.OutOrStdout(), report, cc.Flags.JSON)
}

func buildStatus(ctx context.Context, store progress.Store, checkpoints reconcile.CheckpointStore,
	uid string, now time.Time,
) (statusReport, error) {
	p, err := store.Progress(ctx, uid)
	if err != nil {
		return statusReport{}, fmt.Errorf("reading progress: %w", err)
	}

	today, err := store.DailySteps(ctx, uid, progress.DateKey(now))
	if err != nil {
		return statusReport{}, fmt.Errorf("reading today's steps: %w", err)
	}

	report := statusReport{
		UserID:       uid,
		TotalSteps:   p.TotalSteps,
		TodaySteps:   today,
		Coins:        p.Coins,
		Achievements: p.Achievements,
		LastSynced:   p.UpdatedAt,
	}

	if report.Achievements == nil {
		report.Achievements = []string{}
	}

	cp, found, err := checkpoints.LoadCheckpoint(ctx, uid)
	if err != nil {
		return statusReport{}, fmt.Errorf("reading checkpoint: %w", err)
	}

	if found {
		report.PendingSteps = cp.PendingDelta
		for _, q := range cp.Sessions {
			report.PendingSteps += q.Steps
		}
	}

	return report, nil
}

func printStatus(w io.Writer, r statusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(r)
	}

	achievements := "none"
	if len(r.Achievements) > 0 {
		achievements = strings.Join(r.Achievements, ", ")
	}

	daemon := "not running"
	if r.DaemonRunning {
		daemon = "running"
	}

	fmt.Fprintf(w, "User:          %s\n", r.UserID)
	fmt.Fprintf(w, "Total steps:   %s\n", formatNumber(r.TotalSteps))
	fmt.Fprintf(w, "Today:         %s\n", formatNumber(r.TodaySteps))
	fmt.Fprintf(w, "Coins:         %s\n", formatNumber(r.Coins))
	fmt.Fprintf(w, "Achievements:  %s\n", achievements)
	fmt.Fprintf(w, "Pending:       %s\n", formatSteps(r.PendingSteps))
	fmt.Fprintf(w, "Last synced:   %s\n", formatTime(r.LastSynced))
	fmt.Fprintf(w, "Daemon:        %s\n", daemon)

	return nil
}
