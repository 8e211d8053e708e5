package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/elcano/stepsync/internal/progress"
)

// Postgres statements. Timestamps on progress writes come from the server
// clock.
const (
	pgLoadProgress = `SELECT total_steps, coins, updated_at,
		COALESCE((SELECT array_agg(a.achievement_id ORDER BY a.awarded_at, a.achievement_id)
		  FROM awards a WHERE a.user_id = p.user_id), '{}')
		FROM user_progress p WHERE p.user_id = $1`

	pgUpsertProgress = `INSERT INTO user_progress (user_id, total_steps, coins, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		 total_steps = EXCLUDED.total_steps,
		 coins = EXCLUDED.coins,
		 updated_at = now()`

	pgAddDailySteps = `INSERT INTO daily_steps (user_id, date_key, steps, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, date_key) DO UPDATE SET
		 steps = daily_steps.steps + EXCLUDED.steps,
		 updated_at = now()
		RETURNING steps`

	pgGetDailySteps = `SELECT steps FROM daily_steps WHERE user_id = $1 AND date_key = $2`

	pgMarkApplied = `INSERT INTO applied_ops (user_id, op_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	pgHasAward = `SELECT EXISTS (SELECT 1 FROM awards WHERE user_id = $1 AND achievement_id = $2)`

	pgInsertAward = `INSERT INTO awards (user_id, achievement_id, badge_id, coins_awarded)
		VALUES ($1, $2, $3, $4)`

	pgInsertActivity = `INSERT INTO activities
		(id, user_id, type, title, steps, coins_earned, duration_minutes,
		 distance_km, date_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	pgRecentActivities = `SELECT id, user_id, type, title, steps, coins_earned,
		duration_minutes, distance_km, date_key, recorded_at
		FROM activities WHERE user_id = $1
		ORDER BY recorded_at DESC, created_at DESC LIMIT $2`

	pgCountActivities = `SELECT COUNT(*) FROM activities WHERE user_id = $1`

	pgInsertSession = `INSERT INTO step_sessions (id, user_id, steps, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
)

// Postgres error codes that mean "re-run the transaction".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PgxConn is the subset of a pgx pool the store uses. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres is a progress.Store backed by a shared Postgres database.
type Postgres struct {
	conn       PgxConn
	maxRetries int
	logger     *slog.Logger
	closeFn    func()
}

var _ progress.Store = (*Postgres)(nil)

// Injectable for tests that cannot reach a server.
var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, p *pgxpool.Pool) error { return p.Ping(ctx) }
)

// OpenPostgres connects to url, runs migrations, and returns a ready store.
func OpenPostgres(ctx context.Context, url string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(connectCtx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}

	if err := pingPoolFn(connectCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}

	// goose needs database/sql; the wrapper shares the pool's connections.
	db := stdlib.OpenDBFromPool(pool)

	if err := runMigrations(ctx, db, goose.DialectPostgres, opts.Logger); err != nil {
		db.Close()
		pool.Close()

		return nil, err
	}

	opts.Logger.Info("postgres store initialized")

	p := NewPostgres(pool, opts)
	p.closeFn = func() {
		closeSQLDB(db, opts.Logger)
		pool.Close()
	}

	return p, nil
}

func closeSQLDB(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Debug("store: closing migration handle", slog.String("error", err.Error()))
	}
}

// NewPostgres wraps an existing connection without running migrations.
func NewPostgres(conn PgxConn, opts Options) *Postgres {
	opts = opts.withDefaults()

	return &Postgres{conn: conn, maxRetries: opts.MaxRetries, logger: opts.Logger}
}

// Close releases the pool when the store opened it.
func (p *Postgres) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}

	return nil
}

func isPgRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// Update implements progress.Store with SERIALIZABLE isolation.
func (p *Postgres) Update(ctx context.Context, uid string, fn func(progress.Tx) error) error {
	return withRetry(ctx, p.maxRetries, isPgRetryable, p.logger, func() error {
		return p.updateOnce(ctx, uid, fn)
	})
}

func (p *Postgres) updateOnce(ctx context.Context, uid string, fn func(progress.Tx) error) error {
	tx, err := p.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}

	if err := fn(&pgTx{tx: tx, uid: uid}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			p.logger.Debug("store: rollback failed", slog.String("error", rbErr.Error()))
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// pgQuerier is satisfied by PgxConn and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPgProgress(ctx context.Context, q pgQuerier, uid string) (progress.Progress, error) {
	p := progress.Progress{UserID: uid}

	err := q.QueryRow(ctx, pgLoadProgress, uid).Scan(&p.TotalSteps, &p.Coins, &p.UpdatedAt, &p.Achievements)
	if errors.Is(err, pgx.ErrNoRows) {
		return progress.Progress{UserID: uid}, nil
	}

	if err != nil {
		return progress.Progress{}, fmt.Errorf("store: loading progress for %s: %w", uid, err)
	}

	if len(p.Achievements) == 0 {
		p.Achievements = nil
	}

	return p, nil
}

// Progress implements progress.Store.
func (p *Postgres) Progress(ctx context.Context, uid string) (progress.Progress, error) {
	return loadPgProgress(ctx, p.conn, uid)
}

// DailySteps implements progress.Store.
func (p *Postgres) DailySteps(ctx context.Context, uid, dateKey string) (int64, error) {
	var steps int64

	err := p.conn.QueryRow(ctx, pgGetDailySteps, uid, dateKey).Scan(&steps)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("store: loading daily steps %s/%s: %w", uid, dateKey, err)
	}

	return steps, nil
}

// RecentActivities implements progress.Store, newest first. A non-positive
// limit returns every entry.
func (p *Postgres) RecentActivities(ctx context.Context, uid string, limit int) ([]progress.Activity, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := p.conn.Query(ctx, pgRecentActivities, uid, lim)
	if err != nil {
		return nil, fmt.Errorf("store: listing activities: %w", err)
	}
	defer rows.Close()

	var out []progress.Activity

	for rows.Next() {
		var (
			a   progress.Activity
			typ string
		)

		if err := rows.Scan(&a.ID, &a.UserID, &typ, &a.Title, &a.Steps, &a.CoinsEarned,
			&a.DurationMinutes, &a.DistanceKm, &a.DateKey, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scanning activity: %w", err)
		}

		a.Type = progress.ActivityType(typ)
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating activities: %w", err)
	}

	return out, nil
}

// CountActivities implements progress.Store.
func (p *Postgres) CountActivities(ctx context.Context, uid string) (int64, error) {
	var n int64
	if err := p.conn.QueryRow(ctx, pgCountActivities, uid).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting activities: %w", err)
	}

	return n, nil
}

// AppendActivity implements progress.Store. Re-appending an ID is a no-op.
func (p *Postgres) AppendActivity(ctx context.Context, a progress.Activity) error {
	_, err := p.conn.Exec(ctx, pgInsertActivity,
		a.ID, a.UserID, string(a.Type), a.Title, a.Steps, a.CoinsEarned,
		a.DurationMinutes, a.DistanceKm, a.DateKey, a.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("store: appending activity %s: %w", a.ID, err)
	}

	return nil
}

// AppendSession implements progress.Store. Re-appending an ID is a no-op.
func (p *Postgres) AppendSession(ctx context.Context, rec progress.SessionRecord) error {
	_, err := p.conn.Exec(ctx, pgInsertSession,
		rec.ID, rec.UserID, rec.Steps, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("store: appending session %s: %w", rec.ID, err)
	}

	return nil
}

// pgTx implements progress.Tx over one serializable transaction.
type pgTx struct {
	tx  pgx.Tx
	uid string
}

func (t *pgTx) Progress(ctx context.Context) (progress.Progress, error) {
	return loadPgProgress(ctx, t.tx, t.uid)
}

func (t *pgTx) PutProgress(ctx context.Context, p progress.Progress) error {
	if _, err := t.tx.Exec(ctx, pgUpsertProgress, t.uid, p.TotalSteps, p.Coins); err != nil {
		return fmt.Errorf("store: writing progress for %s: %w", t.uid, err)
	}

	return nil
}

func (t *pgTx) AddDailySteps(ctx context.Context, dateKey string, steps int64) (int64, error) {
	var total int64
	if err := t.tx.QueryRow(ctx, pgAddDailySteps, t.uid, dateKey, steps).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: adding daily steps %s/%s: %w", t.uid, dateKey, err)
	}

	return total, nil
}

func (t *pgTx) MarkApplied(ctx context.Context, opID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, pgMarkApplied, t.uid, opID)
	if err != nil {
		return false, fmt.Errorf("store: marking op %s: %w", opID, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) HasAward(ctx context.Context, achievementID string) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx, pgHasAward, t.uid, achievementID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: checking award %s: %w", achievementID, err)
	}

	return ok, nil
}

func (t *pgTx) PutAward(ctx context.Context, a progress.Award) error {
	if _, err := t.tx.Exec(ctx, pgInsertAward, t.uid, a.AchievementID, a.BadgeID, a.CoinsAwarded); err != nil {
		return fmt.Errorf("store: inserting award %s: %w", a.AchievementID, err)
	}

	return nil
}
