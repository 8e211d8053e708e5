package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/reconcile"
	"github.com/elcano/stepsync/internal/session"
)

func newWalkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Track one walking session",
		Long: `Track a single session in the foreground and save it when you finish.

Ctrl-C finishes the session and saves it. Any other exit (SIGTERM,
SIGHUP, a closed terminal) discards it without saving. Use --for to
finish automatically after a fixed time.

Refuses to run while a daemon is running; toggle the daemon's session
through its HTTP API instead.`,
		Args: cobra.NoArgs,
		RunE: runWalk,
	}

	cmd.Flags().Duration("for", 0, "finish and save automatically after this long")

	return cmd
}

// walkOutcome is the result of a finished session, as printed.
type walkOutcome struct {
	SessionID   string           `json:"session_id"`
	Steps       int64            `json:"steps"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	Saved       bool             `json:"saved"`
	TotalSteps  int64            `json:"total_steps,omitempty"`
	Coins       int64            `json:"coins,omitempty"`
	CoinsEarned int64            `json:"coins_earned,omitempty"`
	Awards      []progress.Award `json:"awards,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func runWalk(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	limit, err := cmd.Flags().GetDuration("for")
	if err != nil {
		return err
	}

	if daemonRunning(pidFilePath(cfg)) {
		return fmt.Errorf("a stepsync daemon is running; use its /v1/tracker/toggle endpoint instead")
	}

	ctx := cmd.Context()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	sensor := pedometer.NewFileSensor(cfg.Sensor.CounterFile, logger)
	w := &walker{
		userID:      cfg.UserID,
		sensor:      sensor,
		syncer:      newSyncer(cfg, b, logger),
		awarder:     progress.NewAwarder(b.progress, b.notifier(), logger),
		checkpoints: b.checkpoints,
		timeout:     cfg.Sync.Timeout(),
		logger:      logger,
	}

	ctrl := session.NewController(session.Config{
		Sensor:     sensor,
		OnComplete: w.finalize,
		OnSteps: func(total int64) {
			cc.Statusf("\r%s", formatSteps(total))
		},
		Logger: logger,
	})

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	cc.Statusf("Tracking. Press Ctrl-C to finish and save.\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	steps, saved := trackWalk(ctx, ctrl, sigCh, limit)
	cc.Statusf("\n")

	if !saved {
		cc.Statusf("Session discarded, %s not saved\n", formatSteps(steps))
		return nil
	}

	return printWalkOutcome(cmd.OutOrStdout(), w.outcome, cc.Flags.JSON)
}

// trackWalk blocks until the session ends. An interrupt or the time limit
// is a user stop that finalizes; any other signal or a canceled ctx tears
// the session down silently.
func trackWalk(ctx context.Context, ctrl *session.Controller, sigCh <-chan os.Signal, limit time.Duration) (steps int64, finalized bool) {
	var deadline <-chan time.Time

	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()

		deadline = timer.C
	}

	select {
	case sig := <-sigCh:
		if sig == os.Interrupt {
			return ctrl.Stop(), true
		}
	case <-deadline:
		return ctrl.Stop(), true
	case <-ctx.Done():
	}

	return ctrl.Teardown(), false
}

// walker persists a finished walk session.
type walker struct {
	userID      string
	sensor      pedometer.Sensor
	syncer      *progress.Syncer
	awarder     *progress.Awarder
	checkpoints reconcile.CheckpointStore
	timeout     time.Duration
	logger      *slog.Logger

	outcome walkOutcome
}

// finalize is the session completion callback. It runs on its own context
// so a shutdown in progress cannot abort the write.
func (w *walker) finalize(s session.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.outcome = walkOutcome{
		SessionID: s.ID,
		Steps:     s.Steps,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}

	res, err := w.syncer.FinalizeSession(ctx, w.userID, progress.SessionInput{
		ID:        s.ID,
		Steps:     s.Steps,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	})
	if err != nil {
		w.outcome.Error = err.Error()
		w.logger.Warn("walk: session sync failed, queueing steps for the daemon",
			slog.String("session_id", s.ID), slog.String("error", err.Error()))
	} else {
		w.outcome.Saved = true
		w.outcome.TotalSteps = res.TotalSteps
		w.outcome.Coins = res.Coins
		w.outcome.CoinsEarned = res.CoinsEarned

		awards, awardErr := w.awarder.CheckResult(ctx, w.userID, res)
		if awardErr != nil {
			w.logger.Warn("walk: checking achievements", slog.String("error", awardErr.Error()))
		}

		w.outcome.Awards = awards
		for _, a := range awards {
			w.outcome.Coins += a.CoinsAwarded
		}
	}

	if hoErr := handOffToDaemon(ctx, w.checkpoints, w.sensor, w.userID, s, err != nil); hoErr != nil {
		w.logger.Warn("walk: updating checkpoint", slog.String("error", hoErr.Error()))
	}
}

// handOffToDaemon keeps the daemon's next gap reconcile from counting the
// walk twice. Steps before the walk are folded into the pending delta and
// the reconcile window jumps past the session; if that query fails the
// window is kept as a gap for the daemon to retry. An unsaved session goes
// into the outbox under its own ID. Without a prior checkpoint only an
// unsaved session is recorded, since a first launch counts nothing earlier.
func handOffToDaemon(ctx context.Context, store reconcile.CheckpointStore, sensor pedometer.Sensor,
	uid string, s session.Summary, unsaved bool,
) error {
	cp, found, err := store.LoadCheckpoint(ctx, uid)
	if err != nil {
		return err
	}

	if !found && !unsaved {
		return nil
	}

	if found && !cp.LastReconciledAt.IsZero() && s.StartedAt.After(cp.LastReconciledAt) {
		gap, err := sensor.StepCount(ctx, cp.LastReconciledAt, s.StartedAt)
		if err != nil {
			cp.Gaps = append(cp.Gaps, reconcile.Window{From: cp.LastReconciledAt, To: s.StartedAt})
		} else {
			cp.PendingDelta += max(gap, 0)
		}
	}

	if unsaved {
		cp.Sessions = append(cp.Sessions, progress.SessionInput{
			ID:        s.ID,
			Steps:     s.Steps,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
		})
	}

	cp.LastReconciledAt = s.EndedAt

	return store.SaveCheckpoint(ctx, uid, cp)
}

func printWalkOutcome(w io.Writer, o walkOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(o)
	}

	dur := o.EndedAt.Sub(o.StartedAt).Round(time.Second)

	if !o.Saved {
		fmt.Fprintf(w, "Walked %s in %s, but the session could not be saved: %s\n",
			formatSteps(o.Steps), dur, o.Error)
		fmt.Fprintln(w, "The steps are queued and will sync the next time the daemon runs.")

		return nil
	}

	fmt.Fprintf(w, "Walked %s in %s\n", formatSteps(o.Steps), dur)
	fmt.Fprintf(w, "Earned %s (total %s, %s)\n",
		formatCoins(o.CoinsEarned), formatSteps(o.TotalSteps), formatCoins(o.Coins))

	for _, a := range o.Awards {
		fmt.Fprintf(w, "Achievement unlocked: %s (+%s)\n", a.AchievementID, formatCoins(a.CoinsAwarded))
	}

	return nil
}
