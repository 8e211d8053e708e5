// Package store persists progress, history, and coordinator checkpoints.
// SQLite serves a single device; Postgres serves a shared backend. Both run
// progress writes as serializable, retried transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/reconcile"
)

// SQL statements shared by the SQLite transaction and read paths.
const (
	sqlLoadProgress = `SELECT total_steps, coins, updated_at
		FROM user_progress WHERE user_id = ?`

	sqlLoadAchievements = `SELECT achievement_id FROM awards
		WHERE user_id = ? ORDER BY awarded_at, achievement_id`

	sqlUpsertProgress = `INSERT INTO user_progress (user_id, total_steps, coins, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		 total_steps = excluded.total_steps,
		 coins = excluded.coins,
		 updated_at = excluded.updated_at`

	sqlAddDailySteps = `INSERT INTO daily_steps (user_id, date_key, steps, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, date_key) DO UPDATE SET
		 steps = daily_steps.steps + excluded.steps,
		 updated_at = excluded.updated_at
		RETURNING steps`

	sqlGetDailySteps = `SELECT steps FROM daily_steps WHERE user_id = ? AND date_key = ?`

	sqlMarkApplied = `INSERT INTO applied_ops (user_id, op_id, applied_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`

	sqlHasAward = `SELECT 1 FROM awards WHERE user_id = ? AND achievement_id = ?`

	sqlInsertAward = `INSERT INTO awards
		(user_id, achievement_id, badge_id, coins_awarded, awarded_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlInsertActivity = `INSERT INTO activities
		(id, user_id, type, title, steps, coins_earned, duration_minutes,
		 distance_km, date_key, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	sqlRecentActivities = `SELECT id, user_id, type, title, steps, coins_earned,
		duration_minutes, distance_km, date_key, recorded_at
		FROM activities WHERE user_id = ?
		ORDER BY recorded_at DESC, rowid DESC LIMIT ?`

	sqlCountActivities = `SELECT COUNT(*) FROM activities WHERE user_id = ?`

	sqlInsertSession = `INSERT INTO step_sessions
		(id, user_id, steps, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
)

// Options tunes a store.
type Options struct {
	// MaxRetries bounds transaction re-runs on write conflicts. Zero uses
	// DefaultMaxRetries.
	MaxRetries int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

// SQLite is a progress.Store and reconcile.CheckpointStore backed by a local
// database file. It is the sole writer to that file.
type SQLite struct {
	db         *sql.DB
	maxRetries int
	logger     *slog.Logger
	nowFunc    func() time.Time // injectable for deterministic tests
}

var (
	_ progress.Store            = (*SQLite)(nil)
	_ reconcile.CheckpointStore = (*SQLite)(nil)
)

// OpenSQLite opens the database at path, runs migrations, and returns a
// ready store. The database uses WAL mode with synchronous=FULL, and every
// transaction takes the write lock up front so read-then-write cannot
// deadlock against another process.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)&_txlock=immediate",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, goose.DialectSQLite3, opts.Logger); err != nil {
		db.Close()
		return nil, err
	}

	opts.Logger.Info("sqlite store initialized", slog.String("db_path", path))

	return &SQLite{
		db:         db,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		nowFunc:    time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isSQLiteBusy reports whether err is a lock conflict worth retrying.
func isSQLiteBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}

	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// Update implements progress.Store.
func (s *SQLite) Update(ctx context.Context, uid string, fn func(progress.Tx) error) error {
	return withRetry(ctx, s.maxRetries, isSQLiteBusy, s.logger, func() error {
		return s.updateOnce(ctx, uid, fn)
	})
}

func (s *SQLite) updateOnce(ctx context.Context, uid string, fn func(progress.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, uid: uid, now: s.nowFunc().UnixNano()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLiteProgress(ctx context.Context, q sqlQuerier, uid string) (progress.Progress, error) {
	p := progress.Progress{UserID: uid}

	var updatedAt int64

	err := q.QueryRowContext(ctx, sqlLoadProgress, uid).Scan(&p.TotalSteps, &p.Coins, &updatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return progress.Progress{}, fmt.Errorf("store: loading progress for %s: %w", uid, err)
	default:
		p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	}

	rows, err := q.QueryContext(ctx, sqlLoadAchievements, uid)
	if err != nil {
		return progress.Progress{}, fmt.Errorf("store: loading achievements for %s: %w", uid, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return progress.Progress{}, fmt.Errorf("store: scanning achievement: %w", err)
		}

		p.Achievements = append(p.Achievements, id)
	}

	if err := rows.Err(); err != nil {
		return progress.Progress{}, fmt.Errorf("store: iterating achievements: %w", err)
	}

	return p, nil
}

// Progress implements progress.Store.
func (s *SQLite) Progress(ctx context.Context, uid string) (progress.Progress, error) {
	return loadSQLiteProgress(ctx, s.db, uid)
}

// DailySteps implements progress.Store.
func (s *SQLite) DailySteps(ctx context.Context, uid, dateKey string) (int64, error) {
	var steps int64

	err := s.db.QueryRowContext(ctx, sqlGetDailySteps, uid, dateKey).Scan(&steps)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("store: loading daily steps %s/%s: %w", uid, dateKey, err)
	}

	return steps, nil
}

// RecentActivities implements progress.Store, newest first. A non-positive
// limit returns every entry.
func (s *SQLite) RecentActivities(ctx context.Context, uid string, limit int) ([]progress.Activity, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, sqlRecentActivities, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing activities: %w", err)
	}
	defer rows.Close()

	var out []progress.Activity

	for rows.Next() {
		var (
			a          progress.Activity
			typ        string
			recordedAt int64
		)

		if err := rows.Scan(&a.ID, &a.UserID, &typ, &a.Title, &a.Steps, &a.CoinsEarned,
			&a.DurationMinutes, &a.DistanceKm, &a.DateKey, &recordedAt); err != nil {
			return nil, fmt.Errorf("store: scanning activity: %w", err)
		}

		a.Type = progress.ActivityType(typ)
		a.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating activities: %w", err)
	}

	return out, nil
}

// CountActivities implements progress.Store.
func (s *SQLite) CountActivities(ctx context.Context, uid string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlCountActivities, uid).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting activities: %w", err)
	}

	return n, nil
}

// AppendActivity implements progress.Store. Re-appending an ID is a no-op.
func (s *SQLite) AppendActivity(ctx context.Context, a progress.Activity) error {
	_, err := s.db.ExecContext(ctx, sqlInsertActivity,
		a.ID, a.UserID, string(a.Type), a.Title, a.Steps, a.CoinsEarned,
		a.DurationMinutes, a.DistanceKm, a.DateKey, a.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: appending activity %s: %w", a.ID, err)
	}

	return nil
}

// AppendSession implements progress.Store. Re-appending an ID is a no-op.
func (s *SQLite) AppendSession(ctx context.Context, rec progress.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, sqlInsertSession,
		rec.ID, rec.UserID, rec.Steps,
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), s.nowFunc().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: appending session %s: %w", rec.ID, err)
	}

	return nil
}

// sqliteTx implements progress.Tx over one SQLite transaction. now is the
// store-assigned timestamp for every write in the transaction.
type sqliteTx struct {
	tx  *sql.Tx
	uid string
	now int64
}

func (t *sqliteTx) Progress(ctx context.Context) (progress.Progress, error) {
	return loadSQLiteProgress(ctx, t.tx, t.uid)
}

func (t *sqliteTx) PutProgress(ctx context.Context, p progress.Progress) error {
	if _, err := t.tx.ExecContext(ctx, sqlUpsertProgress, t.uid, p.TotalSteps, p.Coins, t.now); err != nil {
		return fmt.Errorf("store: writing progress for %s: %w", t.uid, err)
	}

	return nil
}

func (t *sqliteTx) AddDailySteps(ctx context.Context, dateKey string, steps int64) (int64, error) {
	var total int64

	err := t.tx.QueryRowContext(ctx, sqlAddDailySteps, t.uid, dateKey, steps, t.now).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: adding daily steps %s/%s: %w", t.uid, dateKey, err)
	}

	return total, nil
}

func (t *sqliteTx) MarkApplied(ctx context.Context, opID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, sqlMarkApplied, t.uid, opID, t.now)
	if err != nil {
		return false, fmt.Errorf("store: marking op %s: %w", opID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: marking op %s: %w", opID, err)
	}

	return n == 1, nil
}

func (t *sqliteTx) HasAward(ctx context.Context, achievementID string) (bool, error) {
	var one int

	err := t.tx.QueryRowContext(ctx, sqlHasAward, t.uid, achievementID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: checking award %s: %w", achievementID, err)
	}

	return true, nil
}

func (t *sqliteTx) PutAward(ctx context.Context, a progress.Award) error {
	_, err := t.tx.ExecContext(ctx, sqlInsertAward,
		t.uid, a.AchievementID, a.BadgeID, a.CoinsAwarded, t.now)
	if err != nil {
		return fmt.Errorf("store: inserting award %s: %w", a.AchievementID, err)
	}

	return nil
}
