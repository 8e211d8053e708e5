// Package reconcile counts steps outside explicit sessions. While the app is
// in the foreground it buffers live sensor deltas and flushes them to the
// remote store on a debounce. On returning from the background it asks the
// platform how many steps were taken since live coverage ended.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/progress"
)

// Defaults applied when Config leaves a duration unset.
const (
	DefaultDebounce     = 15 * time.Second
	DefaultFlushTimeout = 30 * time.Second
)

// Remote is the write side the coordinator flushes into. FinalizeSession
// must treat a session ID it has already applied as a no-op.
type Remote interface {
	ApplyDelta(ctx context.Context, uid string, delta int64) (progress.Result, error)
	FinalizeSession(ctx context.Context, uid string, in progress.SessionInput) (progress.Result, error)
}

// Config wires a Coordinator.
type Config struct {
	UserID string
	Sensor pedometer.Sensor
	Remote Remote

	// Checkpoints is optional. Without it pending steps do not survive a
	// restart and the first foreground entry starts from Start's time.
	Checkpoints CheckpointStore

	Debounce         time.Duration
	FlushTimeout     time.Duration
	FailureThreshold int

	Logger *slog.Logger
}

// Snapshot is a point-in-time view of coordinator state.
type Snapshot struct {
	Pending          int64
	InFlight         int64
	LastSyncedTotal  int64
	LastReconciledAt time.Time
	Background       bool
	Paused           bool
	Live             bool
	Failures         int
	LastError        string
	QueuedSessions   int
	Gaps             int
}

// Coordinator owns the background sensor subscription, the pending step
// buffer and the outbox of sessions whose write failed. A pending delta is
// zeroed before its remote write and restored if the write fails, so steps
// are never lost. At most one flush runs at a time and at most one flush
// timer is armed.
type Coordinator struct {
	userID        string
	sensor        pedometer.Sensor
	remote        Remote
	checkpoints   CheckpointStore
	debounce      time.Duration
	flushTimeout  time.Duration
	failures      *failureTracker
	queryFailures *failureTracker
	logger        *slog.Logger
	nowFunc       func() time.Time

	// saveMu orders checkpoint writes: each write carries the state as of
	// its own turn, so an older snapshot never lands last.
	saveMu sync.Mutex

	mu               sync.Mutex
	pending          int64
	inFlight         int64
	flushing         bool
	lastSynced       int64
	lastReconciledAt time.Time
	gaps             []Window
	outbox           []progress.SessionInput
	sub              *pedometer.Subscription
	background       bool
	paused           bool
	started          bool
	closed           bool
	timer            *time.Timer
	timerGen         uint64
	retry            *time.Timer
	retryGen         uint64
	runCtx           context.Context
	wg               sync.WaitGroup
}

// NewCoordinator creates a stopped coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}

	return &Coordinator{
		userID:        cfg.UserID,
		sensor:        cfg.Sensor,
		remote:        cfg.Remote,
		checkpoints:   cfg.Checkpoints,
		debounce:      debounce,
		flushTimeout:  flushTimeout,
		failures:      newFailureTracker("flush", cfg.FailureThreshold, logger),
		queryFailures: newFailureTracker("step history", cfg.FailureThreshold, logger),
		logger:        logger,
		nowFunc:       time.Now,
		runCtx:        context.Background(),
	}
}

// Start restores the last checkpoint, then enters the foreground: it
// subscribes to the sensor and reconciles the gap since the checkpoint. On
// first launch nothing before Start is counted. ctx bounds timer-driven
// flushes until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("reconcile: coordinator already started")
	}

	c.started = true
	c.runCtx = ctx
	c.lastReconciledAt = c.nowFunc()
	c.mu.Unlock()

	if c.checkpoints != nil {
		cp, found, err := c.checkpoints.LoadCheckpoint(ctx, c.userID)
		if err != nil {
			c.logger.Warn("reconcile: loading checkpoint", slog.String("error", err.Error()))
		} else if found {
			c.mu.Lock()
			c.pending = max(cp.PendingDelta, 0)
			c.lastSynced = cp.LastSyncedTotal
			c.gaps = slices.Clone(cp.Gaps)
			c.outbox = slices.Clone(cp.Sessions)
			if !cp.LastReconciledAt.IsZero() {
				c.lastReconciledAt = cp.LastReconciledAt
			}
			c.mu.Unlock()

			c.logger.Info("reconcile: checkpoint restored",
				slog.Int64("pending", cp.PendingDelta),
				slog.Int("queued_sessions", len(cp.Sessions)),
				slog.Int("gaps", len(cp.Gaps)),
				slog.Time("last_reconciled_at", cp.LastReconciledAt),
			)
		}
	}

	c.mu.Lock()
	if c.pending > 0 || len(c.outbox) > 0 {
		c.armLocked(c.failures.delay(c.debounce))
	}
	c.mu.Unlock()

	c.enterForeground(ctx)

	return nil
}

// AddSteps buffers a live delta and arms the flush timer.
func (c *Coordinator) AddSteps(delta int64) {
	if delta <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending += delta
	c.armLocked(c.failures.delay(c.debounce))
}

// armLocked arms the flush timer unless one is already armed. Caller holds
// c.mu.
func (c *Coordinator) armLocked(d time.Duration) {
	if c.timer != nil || c.closed {
		return
	}

	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(d, func() { c.onTimer(gen) })
}

// disarmLocked stops the flush timer. Caller holds c.mu.
func (c *Coordinator) disarmLocked() {
	if c.timer == nil {
		return
	}

	c.timer.Stop()
	c.timer = nil
	c.timerGen++
}

func (c *Coordinator) onTimer(gen uint64) {
	c.mu.Lock()
	if c.timerGen != gen || c.timer == nil || c.closed {
		c.mu.Unlock()
		return
	}

	c.timer = nil
	c.wg.Add(1)
	ctx := c.runCtx
	c.mu.Unlock()

	defer c.wg.Done()

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("reconcile: scheduled flush failed", slog.String("error", err.Error()))
	}
}

// Flush writes queued sessions, then the pending delta, to the remote store.
// It is a no-op when nothing is queued or another flush is already running.
// On failure the unsent delta is restored to pending, unconfirmed sessions
// stay queued, and a retry is scheduled.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		c.logger.Debug("reconcile: flush already in progress")

		return nil
	}

	if c.pending <= 0 && len(c.outbox) == 0 {
		c.mu.Unlock()
		return nil
	}

	c.disarmLocked()

	sessions := slices.Clone(c.outbox)
	delta := c.pending
	c.pending = 0
	c.inFlight = delta
	c.flushing = true
	c.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	err := c.sendSessions(fctx, sessions)

	var res progress.Result
	if err == nil && delta > 0 {
		res, err = c.remote.ApplyDelta(fctx, c.userID, delta)
	}
	cancel()

	c.mu.Lock()
	c.flushing = false
	c.inFlight = 0

	if err != nil {
		c.pending += delta
		n := c.failures.recordFailure(err.Error())
		c.armLocked(c.failures.delay(c.debounce))
		c.mu.Unlock()

		c.logger.Warn("reconcile: flush failed, steps restored",
			slog.Int64("delta", delta),
			slog.Int("failures", n),
			slog.String("error", err.Error()),
		)

		c.saveCheckpoint(ctx)

		return err
	}

	c.failures.recordSuccess()

	if delta > 0 {
		c.lastSynced = res.TotalSteps
	}

	if c.pending > 0 || len(c.outbox) > 0 {
		c.armLocked(c.debounce)
	}
	c.mu.Unlock()

	if delta > 0 {
		c.logger.Info("reconcile: flushed",
			slog.Int64("delta", delta),
			slog.Int64("total_steps", res.TotalSteps),
			slog.Int64("coins_earned", res.CoinsEarned),
		)
	}

	c.saveCheckpoint(ctx)

	return nil
}

// sendSessions re-sends queued sessions in order, dropping each from the
// outbox once the remote confirms it. It stops at the first failure.
func (c *Coordinator) sendSessions(ctx context.Context, sessions []progress.SessionInput) error {
	for _, s := range sessions {
		res, err := c.remote.FinalizeSession(ctx, c.userID, s)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.outbox = slices.DeleteFunc(c.outbox, func(q progress.SessionInput) bool { return q.ID == s.ID })
		c.lastSynced = res.TotalSteps
		c.mu.Unlock()

		c.logger.Info("reconcile: queued session committed",
			slog.String("session_id", s.ID),
			slog.Int64("steps", s.Steps),
			slog.Bool("duplicate", res.Duplicate),
		)
	}

	return nil
}

// flushAsync runs a best-effort flush tracked by Stop.
func (c *Coordinator) flushAsync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.wg.Add(1)
	ctx := c.runCtx
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		if err := c.Flush(ctx); err != nil {
			c.logger.Debug("reconcile: background flush failed", slog.String("error", err.Error()))
		}
	}()
}

// EnterBackground ends live coverage: the sensor is released, the coverage
// end is recorded for the next reconciliation, and pending steps are flushed
// best-effort. Repeated calls are no-ops.
func (c *Coordinator) EnterBackground(ctx context.Context) {
	c.mu.Lock()
	if c.background || c.closed {
		c.mu.Unlock()
		return
	}

	c.background = true
	c.disarmRetryLocked()
	sub := c.sub
	c.sub = nil

	// Only live coverage moves the window; an unreconciled gap stays open.
	if sub != nil {
		c.lastReconciledAt = c.nowFunc()
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}

	c.logger.Info("reconcile: entered background")

	c.flushAsync()
	c.saveCheckpoint(ctx)
}

// EnterForeground resumes live counting and reconciles the steps taken
// since live coverage ended. Repeated calls are no-ops.
func (c *Coordinator) EnterForeground(ctx context.Context) {
	c.mu.Lock()
	if !c.background || c.closed {
		c.mu.Unlock()
		return
	}

	c.background = false
	c.mu.Unlock()

	c.logger.Info("reconcile: entered foreground")

	c.enterForeground(ctx)
}

func (c *Coordinator) enterForeground(ctx context.Context) {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()

	if paused {
		return
	}

	if !c.sensorReady(ctx) {
		c.logger.Info("reconcile: sensor not ready, skipping live counting")
		return
	}

	// The window ends before the new subscription's baseline sample, so no
	// step is counted by both.
	now := c.nowFunc()
	c.subscribe()

	if !c.reconcile(ctx, now) {
		// Without a reconciled window, live deltas would overlap the retry.
		c.unsubscribe()
	}
}

// reconcile queries the platform for any failed earlier windows and for
// [lastReconciledAt, now), buffers the result and flushes it. It reports
// whether the main window was reconciled. A failed query leaves its window
// in place so the retry covers it again.
func (c *Coordinator) reconcile(ctx context.Context, now time.Time) bool {
	added, gapsOK := c.queryGaps(ctx)

	c.mu.Lock()
	from := c.lastReconciledAt
	c.mu.Unlock()

	ok := true

	if now.After(from) {
		n, err := c.sensor.StepCount(ctx, from, now)
		if err != nil {
			c.queryFailed(from, err)
			ok = false
		} else {
			n = max(n, 0)

			c.mu.Lock()
			if now.After(c.lastReconciledAt) {
				c.lastReconciledAt = now
			}
			c.pending += n
			c.mu.Unlock()

			added += n

			c.logger.Info("reconcile: gap reconciled",
				slog.Time("from", from),
				slog.Time("to", now),
				slog.Int64("steps", n),
			)
		}
	}

	if ok && gapsOK {
		c.queryFailures.recordSuccess()
	}

	c.commitReconciled(ctx, added)

	return ok
}

// queryGaps retries the windows whose earlier query failed. It stops at the
// first failure.
func (c *Coordinator) queryGaps(ctx context.Context) (int64, bool) {
	c.mu.Lock()
	gaps := slices.Clone(c.gaps)
	c.mu.Unlock()

	var added int64

	for _, g := range gaps {
		n, err := c.sensor.StepCount(ctx, g.From, g.To)
		if err != nil {
			c.queryFailed(g.From, err)
			return added, false
		}

		n = max(n, 0)

		c.mu.Lock()
		c.gaps = slices.DeleteFunc(c.gaps, g.equal)
		c.pending += n
		c.mu.Unlock()

		added += n

		c.logger.Info("reconcile: earlier gap reconciled",
			slog.Time("from", g.From),
			slog.Time("to", g.To),
			slog.Int64("steps", n),
		)
	}

	return added, true
}

// commitReconciled flushes freshly reconciled steps, or just records the
// advanced window when there were none.
func (c *Coordinator) commitReconciled(ctx context.Context, added int64) {
	if added > 0 {
		if err := c.Flush(ctx); err != nil {
			c.logger.Debug("reconcile: flush after reconcile failed", slog.String("error", err.Error()))
		}
	}

	c.saveCheckpoint(ctx)
}

// queryFailed records a failed history query and, in the foreground,
// schedules a retry on the backoff schedule.
func (c *Coordinator) queryFailed(from time.Time, err error) {
	n := c.queryFailures.recordFailure(err.Error())

	c.logger.Warn("reconcile: step history query failed",
		slog.Time("from", from),
		slog.Int("failures", n),
		slog.String("error", err.Error()),
	)

	c.mu.Lock()
	if !c.background && !c.paused {
		c.armRetryLocked()
	}
	c.mu.Unlock()
}

// armRetryLocked arms the reconcile retry timer unless one is armed.
// Caller holds c.mu.
func (c *Coordinator) armRetryLocked() {
	if c.retry != nil || c.closed {
		return
	}

	c.retryGen++
	gen := c.retryGen
	c.retry = time.AfterFunc(c.queryFailures.delay(c.debounce), func() { c.onRetry(gen) })
}

// disarmRetryLocked stops the reconcile retry timer. Caller holds c.mu.
func (c *Coordinator) disarmRetryLocked() {
	if c.retry == nil {
		return
	}

	c.retry.Stop()
	c.retry = nil
	c.retryGen++
}

func (c *Coordinator) onRetry(gen uint64) {
	c.mu.Lock()
	if c.retryGen != gen || c.retry == nil || c.closed {
		c.mu.Unlock()
		return
	}

	c.retry = nil

	if c.background || c.paused {
		c.mu.Unlock()
		return
	}

	live := c.sub != nil
	c.wg.Add(1)
	ctx := c.runCtx
	c.mu.Unlock()

	defer c.wg.Done()

	if !live {
		c.enterForeground(ctx)
		return
	}

	added, ok := c.queryGaps(ctx)
	if ok {
		c.queryFailures.recordSuccess()
	}

	c.commitReconciled(ctx, added)
}

// subscribe takes the live sensor subscription. Track runs outside c.mu
// because a sensor may deliver synchronously into AddSteps.
func (c *Coordinator) subscribe() {
	sub := pedometer.Track(c.sensor, c.AddSteps, c.logger)

	c.mu.Lock()
	if c.sub != nil || c.background || c.paused || c.closed {
		c.mu.Unlock()
		sub.Release()

		return
	}

	c.sub = sub
	c.mu.Unlock()
}

func (c *Coordinator) unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}
}

func (c *Coordinator) sensorReady(ctx context.Context) bool {
	return c.sensor.PermissionStatus(ctx) == pedometer.PermissionGranted && c.sensor.Available(ctx)
}

// PauseForSession hands the sensor to an explicit session. Steps taken
// until ResumeAfterSession belong to the session.
func (c *Coordinator) PauseForSession() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}

	c.paused = true
	c.disarmRetryLocked()
	sub := c.sub
	c.sub = nil

	if sub != nil {
		c.lastReconciledAt = c.nowFunc()
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}

	c.logger.Debug("reconcile: paused for session")
}

// ResumeAfterSession takes the sensor back after a session that ran over
// [startedAt, endedAt). Steps between the last covered moment and startedAt
// are reconciled first; coverage then restarts at endedAt so the session's
// own steps are not counted a second time. If that query fails, the window
// is kept as a gap and retried.
func (c *Coordinator) ResumeAfterSession(ctx context.Context, startedAt, endedAt time.Time) {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}

	from := c.lastReconciledAt
	c.mu.Unlock()

	var (
		added    int64
		queryErr error
	)

	gap := Window{From: from, To: startedAt}
	if startedAt.After(from) {
		added, queryErr = c.sensor.StepCount(ctx, gap.From, gap.To)
		added = max(added, 0)
	}

	c.mu.Lock()
	if queryErr != nil {
		c.gaps = append(c.gaps, gap)
		added = 0
	}

	c.pending += added
	if endedAt.After(c.lastReconciledAt) {
		c.lastReconciledAt = endedAt
	}

	c.paused = false
	bg := c.background || c.closed
	c.mu.Unlock()

	if queryErr != nil {
		c.queryFailed(gap.From, queryErr)
	}

	c.logger.Debug("reconcile: resumed after session",
		slog.Time("started_at", startedAt),
		slog.Time("ended_at", endedAt),
		slog.Int64("pre_session_steps", added),
	)

	c.commitReconciled(ctx, added)

	if bg || !c.sensorReady(ctx) {
		return
	}

	c.subscribe()
}

// QueueSession puts a finalized session whose write failed into the outbox.
// It is re-sent with its own ID on the next flush, so a write that did
// commit before failing is not counted twice.
func (c *Coordinator) QueueSession(ctx context.Context, in progress.SessionInput) {
	if in.Steps <= 0 {
		return
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	c.mu.Lock()
	if !slices.ContainsFunc(c.outbox, func(q progress.SessionInput) bool { return q.ID == in.ID }) {
		c.outbox = append(c.outbox, in)
	}

	c.armLocked(c.failures.delay(c.debounce))
	c.mu.Unlock()

	c.logger.Info("reconcile: session queued for retry",
		slog.String("session_id", in.ID), slog.Int64("steps", in.Steps))

	c.saveCheckpoint(ctx)
}

// Stop ends live coverage, makes a final flush attempt and saves the
// checkpoint. The coordinator cannot be restarted.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.disarmLocked()
	c.disarmRetryLocked()

	sub := c.sub
	c.sub = nil

	if sub != nil {
		c.lastReconciledAt = c.nowFunc()
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Release()
	}

	c.wg.Wait()

	err := c.Flush(ctx)
	if err != nil {
		c.logger.Warn("reconcile: final flush failed, steps kept in checkpoint",
			slog.String("error", err.Error()))
	}

	c.saveCheckpoint(ctx)

	return err
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	n, lastErr := c.failures.failures()

	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Pending:          c.pending,
		InFlight:         c.inFlight,
		LastSyncedTotal:  c.lastSynced,
		LastReconciledAt: c.lastReconciledAt,
		Background:       c.background,
		Paused:           c.paused,
		Live:             c.sub != nil,
		Failures:         n,
		LastError:        lastErr,
		QueuedSessions:   len(c.outbox),
		Gaps:             len(c.gaps),
	}
}

func (c *Coordinator) saveCheckpoint(ctx context.Context) {
	if c.checkpoints == nil {
		return
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	cp := Checkpoint{
		PendingDelta:     c.pending + c.inFlight,
		LastSyncedTotal:  c.lastSynced,
		LastReconciledAt: c.lastReconciledAt,
		Gaps:             slices.Clone(c.gaps),
		Sessions:         slices.Clone(c.outbox),
	}
	c.mu.Unlock()

	if err := c.checkpoints.SaveCheckpoint(ctx, c.userID, cp); err != nil {
		c.logger.Warn("reconcile: saving checkpoint", slog.String("error", err.Error()))
	}
}
