package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/progress"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record a manual activity",
		Long: `Record an activity that was not tracked by the sensor. Its steps are
added to the lifetime and daily totals in the same transaction as the
coins they earn.

Examples:
  stepsync log --steps 6000 --type run --minutes 35 --km 5.2
  stepsync log --steps 1200 --title "Dog walk"`,
		Args: cobra.NoArgs,
		RunE: runLog,
	}

	cmd.Flags().Int64("steps", 0, "steps taken")
	cmd.Flags().String("type", string(progress.ActivityWalk), "activity type: walk, run, bike or other")
	cmd.Flags().String("title", "", "activity title")
	cmd.Flags().Float64("minutes", 0, "duration in minutes")
	cmd.Flags().Float64("km", 0, "distance in kilometers")

	return cmd
}

// logOutcome is the log command's output.
type logOutcome struct {
	Activity   progress.Activity `json:"activity"`
	TotalSteps int64             `json:"total_steps"`
	Coins      int64             `json:"coins"`
	Awards     []progress.Award  `json:"awards,omitempty"`
}

func runLog(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	in, err := activityInput(cmd)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer b.Close()

	syncer := newSyncer(cc.Cfg, b, cc.Logger)
	awarder := progress.NewAwarder(b.progress, b.notifier(), cc.Logger)

	res, act, err := syncer.LogActivity(ctx, cc.Cfg.UserID, in)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}

	out := logOutcome{Activity: act, TotalSteps: res.TotalSteps, Coins: res.Coins}

	// A zero-step entry commits nothing, so the result carries no totals.
	if in.Steps == 0 {
		p, err := b.progress.Progress(ctx, cc.Cfg.UserID)
		if err != nil {
			return fmt.Errorf("reading progress: %w", err)
		}

		out.TotalSteps = p.TotalSteps
		out.Coins = p.Coins
	}

	awards, err := awarder.CheckResult(ctx, cc.Cfg.UserID, res)
	if err != nil {
		cc.Logger.Warn("checking achievements", slog.String("error", err.Error()))
	}

	out.Awards = awards
	for _, a := range awards {
		out.Coins += a.CoinsAwarded
	}

	return printLogOutcome(cmd.OutOrStdout(), out, cc.Flags.JSON)
}

func activityInput(cmd *cobra.Command) (progress.ActivityInput, error) {
	flags := cmd.Flags()

	steps, err := flags.GetInt64("steps")
	if err != nil {
		return progress.ActivityInput{}, err
	}

	if steps < 0 {
		return progress.ActivityInput{}, fmt.Errorf("--steps must not be negative")
	}

	typ, err := flags.GetString("type")
	if err != nil {
		return progress.ActivityInput{}, err
	}

	title, err := flags.GetString("title")
	if err != nil {
		return progress.ActivityInput{}, err
	}

	minutes, err := flags.GetFloat64("minutes")
	if err != nil {
		return progress.ActivityInput{}, err
	}

	km, err := flags.GetFloat64("km")
	if err != nil {
		return progress.ActivityInput{}, err
	}

	if minutes < 0 || km < 0 {
		return progress.ActivityInput{}, fmt.Errorf("--minutes and --km must not be negative")
	}

	return progress.ActivityInput{
		Type:            progress.ParseActivityType(typ),
		Title:           title,
		Steps:           steps,
		DurationMinutes: minutes,
		DistanceKm:      km,
	}, nil
}

func printLogOutcome(w io.Writer, o logOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(o)
	}

	fmt.Fprintf(w, "Logged %s: %s, %s earned\n",
		o.Activity.Type, formatSteps(o.Activity.Steps), formatCoins(o.Activity.CoinsEarned))
	fmt.Fprintf(w, "Total: %s, %s\n", formatSteps(o.TotalSteps), formatCoins(o.Coins))

	for _, a := range o.Awards {
		fmt.Fprintf(w, "Achievement unlocked: %s (+%s)\n", a.AchievementID, formatCoins(a.CoinsAwarded))
	}

	return nil
}
