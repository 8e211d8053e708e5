package progress

import (
	"context"
	"fmt"
	"log/slog"
)

// Stats is the input to achievement rules.
type Stats struct {
	TotalSteps       int64
	TodaySteps       int64
	ActivitiesLogged int64
}

// Achievement is one award rule.
type Achievement struct {
	ID      string
	BadgeID string
	Title   string
	Coins   int64
	Earned  func(Stats) bool
}

// Achievements is the built-in rule set.
var Achievements = []Achievement{
	{
		ID: "first-steps", BadgeID: "badge-first-steps", Title: "First Steps", Coins: 5,
		Earned: func(s Stats) bool { return s.TotalSteps > 0 },
	},
	{
		ID: "walker", BadgeID: "badge-walker", Title: "Walker", Coins: 10,
		Earned: func(s Stats) bool { return s.TotalSteps >= 1000 },
	},
	{
		ID: "active-day", BadgeID: "badge-active-day", Title: "Active Day", Coins: 15,
		Earned: func(s Stats) bool { return s.TodaySteps >= 3000 },
	},
	{
		ID: "marathon", BadgeID: "badge-marathon", Title: "Marathon", Coins: 20,
		Earned: func(s Stats) bool { return s.ActivitiesLogged >= 5 },
	},
}

// Awarder grants achievements at most once per user. Award records and their
// coin bonus are written in the same transaction.
type Awarder struct {
	store    Store
	rules    []Achievement
	notifier Notifier
	logger   *slog.Logger
}

// NewAwarder returns an Awarder over the built-in rules.
func NewAwarder(store Store, notifier Notifier, logger *slog.Logger) *Awarder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Awarder{store: store, rules: Achievements, notifier: notifier, logger: logger}
}

// Check grants every rule that stats satisfy and that the user does not hold
// yet. It returns the newly granted awards.
func (a *Awarder) Check(ctx context.Context, uid string, stats Stats) ([]Award, error) {
	if uid == "" {
		return nil, ErrNoUser
	}

	var eligible []Achievement

	for _, r := range a.rules {
		if r.Earned(stats) {
			eligible = append(eligible, r)
		}
	}

	if len(eligible) == 0 {
		return nil, nil
	}

	var granted []Award

	err := a.store.Update(ctx, uid, func(tx Tx) error {
		granted = nil

		cur, err := tx.Progress(ctx)
		if err != nil {
			return err
		}

		for _, r := range eligible {
			held, err := tx.HasAward(ctx, r.ID)
			if err != nil {
				return err
			}

			if held {
				continue
			}

			award := Award{AchievementID: r.ID, BadgeID: r.BadgeID, CoinsAwarded: r.Coins}
			if err := tx.PutAward(ctx, award); err != nil {
				return err
			}

			cur.Coins += r.Coins
			granted = append(granted, award)
		}

		if len(granted) == 0 {
			return nil
		}

		cur.UserID = uid

		return tx.PutProgress(ctx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: awarding achievements: %w", ErrTransientSync, err)
	}

	for _, g := range granted {
		a.logger.Info("progress: achievement unlocked",
			slog.String("user_id", uid),
			slog.String("achievement", g.AchievementID),
			slog.Int64("coins", g.CoinsAwarded),
		)
	}

	if len(granted) > 0 && a.notifier != nil {
		if p, err := a.store.Progress(ctx, uid); err == nil {
			if err := a.notifier.Publish(ctx, p); err != nil {
				a.logger.Warn("progress: notify failed", slog.String("error", err.Error()))
			}
		}
	}

	return granted, nil
}

// CheckResult evaluates the rules against a committed Result. Replayed
// operations grant nothing.
func (a *Awarder) CheckResult(ctx context.Context, uid string, res Result) ([]Award, error) {
	if res.Duplicate {
		return nil, nil
	}

	n, err := a.store.CountActivities(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("progress: counting activities: %w", err)
	}

	return a.Check(ctx, uid, Stats{
		TotalSteps:       res.TotalSteps,
		TodaySteps:       res.TodaySteps,
		ActivitiesLogged: n,
	})
}
