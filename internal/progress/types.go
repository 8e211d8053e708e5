// Package progress is the sole write path for a user's step-derived
// progress. Every change to totalSteps and coins goes through one atomic
// store transaction; history records are appended afterwards and may lag.
package progress

import (
	"context"
	"time"
)

// Progress is the authoritative per-user record. Achievements lists the
// granted achievement IDs in award order.
type Progress struct {
	UserID       string    `json:"user_id"`
	TotalSteps   int64     `json:"total_steps"`
	Coins        int64     `json:"coins"`
	Achievements []string  `json:"achievements,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ActivityType classifies an activity log entry.
type ActivityType string

// Activity types.
const (
	ActivityWalk  ActivityType = "walk"
	ActivityRun   ActivityType = "run"
	ActivityBike  ActivityType = "bike"
	ActivityOther ActivityType = "other"
)

// ParseActivityType maps a user-supplied string to an ActivityType.
// Unrecognized values become ActivityOther.
func ParseActivityType(s string) ActivityType {
	switch ActivityType(s) {
	case ActivityWalk, ActivityRun, ActivityBike:
		return ActivityType(s)
	default:
		return ActivityOther
	}
}

// Activity is one immutable history entry.
type Activity struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Type            ActivityType `json:"type"`
	Title           string       `json:"title"`
	Steps           int64        `json:"steps"`
	CoinsEarned     int64        `json:"coins_earned"`
	DurationMinutes float64      `json:"duration_minutes,omitempty"`
	DistanceKm      float64      `json:"distance_km,omitempty"`
	DateKey         string       `json:"date_key"`
	RecordedAt      time.Time    `json:"recorded_at"`
}

// SessionRecord is the immutable log entry for a finalized tracking session.
type SessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Steps     int64     `json:"steps"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Award records that an achievement was granted. At most one exists per
// (user, achievement).
type Award struct {
	AchievementID string    `json:"achievement_id"`
	BadgeID       string    `json:"badge_id"`
	CoinsAwarded  int64     `json:"coins_awarded"`
	AwardedAt     time.Time `json:"awarded_at"`
}

// Tx is the read-modify-write view of one user's documents inside a store
// transaction.
type Tx interface {
	// Progress returns the current record, or a zero record for a user
	// that has none yet.
	Progress(ctx context.Context) (Progress, error)

	// PutProgress writes totals and coins. The store assigns UpdatedAt;
	// Achievements is ignored because it is derived from award records.
	PutProgress(ctx context.Context, p Progress) error

	// AddDailySteps increments the per-day total and returns the new value.
	AddDailySteps(ctx context.Context, dateKey string, steps int64) (int64, error)

	// MarkApplied records an operation ID and reports false if it was
	// already recorded.
	MarkApplied(ctx context.Context, opID string) (bool, error)

	HasAward(ctx context.Context, achievementID string) (bool, error)
	PutAward(ctx context.Context, a Award) error
}

// Store is the remote persistent store.
type Store interface {
	// Update runs fn inside one all-or-nothing transaction scoped to uid.
	// On a conflicting concurrent write the store retries the whole of fn,
	// so fn must be free of side effects outside tx.
	Update(ctx context.Context, uid string, fn func(Tx) error) error

	Progress(ctx context.Context, uid string) (Progress, error)
	DailySteps(ctx context.Context, uid, dateKey string) (int64, error)
	RecentActivities(ctx context.Context, uid string, limit int) ([]Activity, error)
	CountActivities(ctx context.Context, uid string) (int64, error)

	// Append-only history, written outside the progress transaction.
	AppendActivity(ctx context.Context, a Activity) error
	AppendSession(ctx context.Context, s SessionRecord) error
}

// Notifier receives the committed record after every successful update.
type Notifier interface {
	Publish(ctx context.Context, p Progress) error
}

// DateKey is the per-day document key: the UTC calendar date.
func DateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
