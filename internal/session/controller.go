// Package session owns one foreground step-tracking session at a time:
// permission gating, start/stop/toggle, and the single completion callback
// that hands a finished session to persistence. The controller itself does
// no network or storage I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/elcano/stepsync/internal/pedometer"
)

// Errors returned by Start. Both leave the controller Idle.
var (
	ErrPermissionDenied  = errors.New("session: motion permission denied")
	ErrSensorUnavailable = errors.New("session: step sensor unavailable")
	ErrFinalizing        = errors.New("session: previous session still finalizing")
)

// State is the controller's lifecycle state.
type State int

// Controller states. Finalizing is transient, held only while Stop runs.
const (
	Idle State = iota
	Tracking
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Summary is handed to the completion callback when a session is stopped
// with finalization. ID is unique per session and doubles as the
// persistence idempotency key.
type Summary struct {
	ID        string
	Steps     int64
	StartedAt time.Time
	EndedAt   time.Time
}

// StopOptions selects between a user stop and a silent teardown.
type StopOptions struct {
	// Finalize invokes the completion callback. Teardown on shutdown or
	// unmount must pass false so closing the app never persists a session.
	Finalize bool
}

// Status is a point-in-time view for progress displays.
type Status struct {
	State      State
	Steps      int64
	StartedAt  time.Time
	Permission pedometer.Permission
	Available  bool
}

// Config wires a Controller to its collaborators.
type Config struct {
	Sensor pedometer.Sensor

	// OnComplete receives each finalized session exactly once.
	OnComplete func(Summary)

	// OnSteps, if set, receives the running session total after every
	// delta, with no batching.
	OnSteps func(total int64)

	Logger *slog.Logger
}

// run is the state of one active session. Deltas land on the run that
// subscribed them, so a late delta after Stop never leaks into the next
// session.
type run struct {
	id        string
	startedAt time.Time
	steps     atomic.Int64
	sub       *pedometer.Subscription
}

// Controller is the session state machine: Idle -> Tracking -> Idle, with
// Finalizing while Stop runs. Safe for concurrent use.
type Controller struct {
	sensor     pedometer.Sensor
	onComplete func(Summary)
	onSteps    func(int64)
	logger     *slog.Logger
	nowFunc    func() time.Time // injectable for deterministic tests

	mu         sync.Mutex
	state      State
	cur        *run
	last       int64
	permission pedometer.Permission
	available  bool
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		sensor:     cfg.Sensor,
		onComplete: cfg.OnComplete,
		onSteps:    cfg.OnSteps,
		logger:     logger,
		nowFunc:    time.Now,
		permission: pedometer.PermissionUnknown,
	}
}

// Start begins a session. It is a no-op while already tracking. Permission
// is requested when not yet granted; a refusal returns ErrPermissionDenied
// and a missing sensor returns ErrSensorUnavailable.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Tracking:
		return nil
	case Finalizing:
		return ErrFinalizing
	}

	perm := c.sensor.PermissionStatus(ctx)
	if perm != pedometer.PermissionGranted {
		perm = c.sensor.RequestPermission(ctx)
	}

	c.permission = perm

	if perm != pedometer.PermissionGranted {
		c.logger.Info("session: start refused", slog.String("permission", string(perm)))
		return ErrPermissionDenied
	}

	c.available = c.sensor.Available(ctx)
	if !c.available {
		c.logger.Info("session: start refused, sensor unavailable")
		return ErrSensorUnavailable
	}

	// Discard any stale subscription before taking a new one.
	if c.cur != nil && c.cur.sub != nil {
		c.cur.sub.Release()
	}

	r := &run{id: uuid.NewString(), startedAt: c.nowFunc()}
	r.sub = pedometer.Track(c.sensor, func(delta int64) { c.onDelta(r, delta) }, c.logger)

	c.cur = r
	c.last = 0
	c.state = Tracking

	c.logger.Info("session: started", slog.String("session_id", r.id))

	return nil
}

// onDelta accumulates a delta and publishes the running total immediately.
func (c *Controller) onDelta(r *run, delta int64) {
	total := r.steps.Add(delta)

	if c.onSteps != nil {
		c.onSteps(total)
	}
}

// Stop ends the session and finalizes it. See StopWith.
func (c *Controller) Stop() int64 {
	return c.StopWith(StopOptions{Finalize: true})
}

// Teardown ends the session without invoking the completion callback.
func (c *Controller) Teardown() int64 {
	return c.StopWith(StopOptions{Finalize: false})
}

// StopWith releases the sensor, records the end time and, when
// opts.Finalize is set, calls the completion callback exactly once. Calling
// it while not tracking is a no-op that returns the last known total.
func (c *Controller) StopWith(opts StopOptions) int64 {
	c.mu.Lock()
	if c.state != Tracking {
		steps := c.last
		if c.cur != nil {
			steps = c.cur.steps.Load()
		}
		c.mu.Unlock()

		return steps
	}

	c.state = Finalizing
	r := c.cur
	c.mu.Unlock()

	r.sub.Release()

	summary := Summary{
		ID:        r.id,
		Steps:     r.steps.Load(),
		StartedAt: r.startedAt,
		EndedAt:   c.nowFunc(),
	}

	c.logger.Info("session: stopped",
		slog.String("session_id", summary.ID),
		slog.Int64("steps", summary.Steps),
		slog.Bool("finalize", opts.Finalize),
	)

	if opts.Finalize && c.onComplete != nil {
		c.complete(summary)
	}

	c.mu.Lock()
	c.state = Idle
	c.cur = nil
	c.last = summary.Steps
	c.mu.Unlock()

	return summary.Steps
}

// complete runs the callback with panic recovery.
func (c *Controller) complete(s Summary) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session: completion callback panicked",
				slog.String("session_id", s.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	c.onComplete(s)
}

// Toggle stops a tracking session or starts a new one.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.State() == Tracking {
		c.Stop()
		return nil
	}

	return c.Start(ctx)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Steps returns the live session total, or the last session's total when
// idle.
func (c *Controller) Steps() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		return c.cur.steps.Load()
	}

	return c.last
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state,
		Steps:      c.last,
		Permission: c.permission,
		Available:  c.available,
	}

	if c.cur != nil {
		st.Steps = c.cur.steps.Load()
		st.StartedAt = c.cur.startedAt
	}

	return st
}
