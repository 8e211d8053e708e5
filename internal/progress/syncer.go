package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/elcano/stepsync/internal/coins"
)

// ErrTransientSync wraps any failure of the progress transaction. The
// caller still owns the steps and should retry or re-buffer them.
var ErrTransientSync = errors.New("progress: transient sync failure")

// ErrNoUser is returned when no user identity is bound.
var ErrNoUser = errors.New("progress: no authenticated user")

// Result is the committed outcome of one progress transaction.
type Result struct {
	TotalSteps  int64
	Coins       int64
	CoinsEarned int64
	TodaySteps  int64

	// Duplicate is set when the operation ID had already been applied and
	// the transaction changed nothing.
	Duplicate bool
}

// SessionInput describes a finished tracking session.
type SessionInput struct {
	ID        string
	Steps     int64
	StartedAt time.Time
	EndedAt   time.Time
}

// ActivityInput describes a manually logged activity.
type ActivityInput struct {
	Type            ActivityType
	Title           string
	Steps           int64
	DurationMinutes float64
	DistanceKm      float64
}

// SyncerConfig wires a Syncer.
type SyncerConfig struct {
	Store    Store
	Rate     int64
	Notifier Notifier // optional
	Logger   *slog.Logger

	// Now picks the UTC day steps are credited to. Defaults to time.Now.
	Now func() time.Time
}

// Syncer applies step deltas to the remote store. Totals and coins only ever
// change inside Store.Update.
type Syncer struct {
	store    Store
	rate     int64
	notifier Notifier
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewSyncer creates a Syncer. A non-positive rate falls back to
// coins.DefaultRate.
func NewSyncer(cfg SyncerConfig) *Syncer {
	rate := cfg.Rate
	if rate <= 0 {
		rate = coins.DefaultRate
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Syncer{
		store:    cfg.Store,
		rate:     rate,
		notifier: cfg.Notifier,
		logger:   logger,
		nowFunc:  now,
	}
}

// Rate returns the conversion rate in steps per coin.
func (s *Syncer) Rate() int64 { return s.rate }

// FinalizeSession commits a finished session: totals, coins and the daily
// document in one transaction keyed by the session ID, then the activity
// and session log entries. A session ID already applied commits nothing.
// A zero-step session is a no-op.
func (s *Syncer) FinalizeSession(ctx context.Context, uid string, in SessionInput) (Result, error) {
	if uid == "" {
		return Result{}, ErrNoUser
	}

	if in.Steps <= 0 {
		return Result{}, nil
	}

	if in.EndedAt.IsZero() {
		in.EndedAt = s.nowFunc()
	}

	dateKey := DateKey(in.EndedAt)

	res, err := s.commit(ctx, uid, in.ID, in.Steps, dateKey)
	if err != nil {
		return Result{}, err
	}

	if res.Duplicate {
		s.logger.Info("progress: session already applied",
			slog.String("user_id", uid), slog.String("session_id", in.ID))

		return res, nil
	}

	// History is eventually consistent with totals. Failures here are
	// logged, never returned: the steps are already committed and a retry
	// by the caller would count them twice.
	s.appendActivity(ctx, Activity{
		UserID:          uid,
		Type:            ActivityWalk,
		Title:           "Step session",
		Steps:           in.Steps,
		CoinsEarned:     res.CoinsEarned,
		DurationMinutes: minutesBetween(in.StartedAt, in.EndedAt),
		DateKey:         dateKey,
		RecordedAt:      in.EndedAt,
	})

	rec := SessionRecord{
		ID:        in.ID,
		UserID:    uid,
		Steps:     in.Steps,
		StartedAt: in.StartedAt,
		EndedAt:   in.EndedAt,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if err := s.store.AppendSession(ctx, rec); err != nil {
		s.logger.Warn("progress: session log append failed",
			slog.String("user_id", uid), slog.String("error", err.Error()))
	}

	s.logger.Info("progress: session finalized",
		slog.String("user_id", uid),
		slog.Int64("steps", in.Steps),
		slog.Int64("total_steps", res.TotalSteps),
		slog.Int64("coins_earned", res.CoinsEarned),
	)

	return res, nil
}

// ApplyDelta commits a background step delta. It carries no idempotency
// key, so callers must not re-submit a delta that may have committed.
func (s *Syncer) ApplyDelta(ctx context.Context, uid string, delta int64) (Result, error) {
	if uid == "" {
		return Result{}, ErrNoUser
	}

	if delta <= 0 {
		return Result{}, nil
	}

	res, err := s.commit(ctx, uid, "", delta, DateKey(s.nowFunc()))
	if err != nil {
		return Result{}, err
	}

	s.logger.Debug("progress: delta applied",
		slog.String("user_id", uid),
		slog.Int64("delta", delta),
		slog.Int64("total_steps", res.TotalSteps),
	)

	return res, nil
}

// LogActivity commits a manually entered activity and appends it to the
// activity log. Steps may be zero; the entry is still recorded.
func (s *Syncer) LogActivity(ctx context.Context, uid string, in ActivityInput) (Result, Activity, error) {
	if uid == "" {
		return Result{}, Activity{}, ErrNoUser
	}

	if in.Steps < 0 {
		return Result{}, Activity{}, fmt.Errorf("progress: negative step count %d", in.Steps)
	}

	now := s.nowFunc()
	dateKey := DateKey(now)

	var res Result

	if in.Steps > 0 {
		var err error

		res, err = s.commit(ctx, uid, "", in.Steps, dateKey)
		if err != nil {
			return Result{}, Activity{}, err
		}
	}

	act := Activity{
		UserID:          uid,
		Type:            in.Type,
		Title:           in.Title,
		Steps:           in.Steps,
		CoinsEarned:     res.CoinsEarned,
		DurationMinutes: in.DurationMinutes,
		DistanceKm:      in.DistanceKm,
		DateKey:         dateKey,
		RecordedAt:      now,
	}
	if act.Type == "" {
		act.Type = ActivityOther
	}

	act = s.appendActivity(ctx, act)

	return res, act, nil
}

// commit is the single read-modify-write of totals and coins. fn may run
// more than once under store retries, so res is rebuilt on every attempt.
func (s *Syncer) commit(ctx context.Context, uid, opID string, steps int64, dateKey string) (Result, error) {
	var res Result

	err := s.store.Update(ctx, uid, func(tx Tx) error {
		res = Result{}

		if opID != "" {
			fresh, err := tx.MarkApplied(ctx, opID)
			if err != nil {
				return err
			}

			if !fresh {
				cur, err := tx.Progress(ctx)
				if err != nil {
					return err
				}

				res = Result{TotalSteps: cur.TotalSteps, Coins: cur.Coins, Duplicate: true}

				return nil
			}
		}

		cur, err := tx.Progress(ctx)
		if err != nil {
			return err
		}

		upd, ok := coins.BuildUpdate(cur.TotalSteps, cur.TotalSteps+steps, s.rate)
		if !ok {
			res = Result{TotalSteps: cur.TotalSteps, Coins: cur.Coins}
			return nil
		}

		cur.UserID = uid
		cur.TotalSteps = upd.TotalSteps
		cur.Coins += upd.CoinsDelta

		if err := tx.PutProgress(ctx, cur); err != nil {
			return err
		}

		today, err := tx.AddDailySteps(ctx, dateKey, steps)
		if err != nil {
			return err
		}

		res = Result{
			TotalSteps:  cur.TotalSteps,
			Coins:       cur.Coins,
			CoinsEarned: upd.CoinsDelta,
			TodaySteps:  today,
		}

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrTransientSync, ctx.Err())
		}

		return Result{}, fmt.Errorf("%w: %w", ErrTransientSync, err)
	}

	if !res.Duplicate {
		s.publish(ctx, uid)
	}

	return res, nil
}

func (s *Syncer) appendActivity(ctx context.Context, a Activity) Activity {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if err := s.store.AppendActivity(ctx, a); err != nil {
		s.logger.Warn("progress: activity log append failed",
			slog.String("user_id", a.UserID), slog.String("error", err.Error()))
	}

	return a
}

// publish reads back the committed record and hands it to the notifier.
// Notification is best-effort.
func (s *Syncer) publish(ctx context.Context, uid string) {
	if s.notifier == nil {
		return
	}

	p, err := s.store.Progress(ctx, uid)
	if err != nil {
		s.logger.Debug("progress: reading back for notify", slog.String("error", err.Error()))
		return
	}

	if err := s.notifier.Publish(ctx, p); err != nil {
		s.logger.Warn("progress: notify failed",
			slog.String("user_id", uid), slog.String("error", err.Error()))
	}
}

func minutesBetween(start, end time.Time) float64 {
	if start.IsZero() || !end.After(start) {
		return 0
	}

	return end.Sub(start).Minutes()
}
