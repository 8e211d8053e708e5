// Package daemon wires the step sensor, the session controller, the
// background reconciliation coordinator and the progress store into one
// long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elcano/stepsync/internal/api"
	"github.com/elcano/stepsync/internal/lifecycle"
	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/reconcile"
	"github.com/elcano/stepsync/internal/session"
)

const defaultShutdownTimeout = 30 * time.Second

// Config wires a Daemon.
type Config struct {
	UserID string
	Sensor pedometer.Sensor
	Store  progress.Store

	// Checkpoints keeps pending steps across restarts. Optional.
	Checkpoints reconcile.CheckpointStore

	// Notifier receives committed progress. Optional.
	Notifier progress.Notifier

	// Lifecycle delivers foreground/background transitions. Optional:
	// without it the process is treated as always in the foreground.
	Lifecycle lifecycle.Source

	Rate             int64
	Debounce         time.Duration
	FlushTimeout     time.Duration
	FailureThreshold int
	ShutdownTimeout  time.Duration

	// APIListen enables the HTTP status API when non-empty.
	APIListen string

	// OnSessionSteps receives the running total of an explicit session.
	OnSessionSteps func(total int64)

	// OnSessionSynced receives each finalized session's outcome.
	OnSessionSynced func(session.Summary, progress.Result, error)

	Logger *slog.Logger
}

// Daemon owns one user's tracking pipeline.
type Daemon struct {
	userID          string
	store           progress.Store
	syncer          *progress.Syncer
	awarder         *progress.Awarder
	coord           *reconcile.Coordinator
	ctrl            *session.Controller
	sensor          pedometer.Sensor
	source          lifecycle.Source
	apiListen       string
	flushTimeout    time.Duration
	shutdownTimeout time.Duration
	onSynced        func(session.Summary, progress.Result, error)
	logger          *slog.Logger
	nowFunc         func() time.Time
}

// New creates a daemon. Nothing runs until Run.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = reconcile.DefaultFlushTimeout
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	d := &Daemon{
		userID:          cfg.UserID,
		store:           cfg.Store,
		sensor:          cfg.Sensor,
		source:          cfg.Lifecycle,
		apiListen:       cfg.APIListen,
		flushTimeout:    flushTimeout,
		shutdownTimeout: shutdownTimeout,
		onSynced:        cfg.OnSessionSynced,
		logger:          logger,
		nowFunc:         time.Now,
	}

	d.syncer = progress.NewSyncer(progress.SyncerConfig{
		Store:    cfg.Store,
		Rate:     cfg.Rate,
		Notifier: cfg.Notifier,
		Logger:   logger,
	})
	d.awarder = progress.NewAwarder(cfg.Store, cfg.Notifier, logger)

	d.coord = reconcile.NewCoordinator(reconcile.Config{
		UserID:           cfg.UserID,
		Sensor:           cfg.Sensor,
		Remote:           awardingRemote{d: d},
		Checkpoints:      cfg.Checkpoints,
		Debounce:         cfg.Debounce,
		FlushTimeout:     flushTimeout,
		FailureThreshold: cfg.FailureThreshold,
		Logger:           logger,
	})

	d.ctrl = session.NewController(session.Config{
		Sensor:     cfg.Sensor,
		OnComplete: d.onSessionComplete,
		OnSteps:    cfg.OnSessionSteps,
		Logger:     logger,
	})

	return d
}

// Run starts background counting and serves until ctx is canceled, then
// tears down any active session without persisting it and makes a final
// flush bounded by the shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.coord.Start(ctx); err != nil {
		return fmt.Errorf("daemon: starting coordinator: %w", err)
	}

	d.logger.Info("daemon: started", slog.String("user_id", d.userID))

	g, gctx := errgroup.WithContext(ctx)

	if d.source != nil {
		g.Go(func() error {
			return guarded("lifecycle", func() error {
				return d.source.Run(gctx, lifecycle.Dedup(func(s lifecycle.State) {
					d.HandleTransition(gctx, s)
				}))
			})
		})
	}

	if d.apiListen != "" {
		app := api.New(api.Deps{
			Store:      d.store,
			Activities: d,
			Tracker:    d,
			Logger:     d.logger,
		})

		g.Go(func() error {
			return guarded("api", func() error {
				return api.Serve(gctx, app, d.apiListen, d.logger)
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	d.shutdown()

	return runErr
}

func (d *Daemon) shutdown() {
	if d.ctrl.State() == session.Tracking {
		steps := d.ctrl.Teardown()
		d.logger.Info("daemon: active session discarded on shutdown", slog.Int64("steps", steps))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()

	if err := d.coord.Stop(ctx); err != nil {
		d.logger.Warn("daemon: final flush failed", slog.String("error", err.Error()))
	}

	d.logger.Info("daemon: stopped")
}

// HandleTransition maps an app state onto the coordinator. Panics are
// recovered so a bad transition never takes the process down.
func (d *Daemon) HandleTransition(ctx context.Context, s lifecycle.State) {
	err := guarded("transition", func() error {
		switch s {
		case lifecycle.StateBackground:
			d.coord.EnterBackground(ctx)
		case lifecycle.StateActive:
			d.coord.EnterForeground(ctx)
		}

		return nil
	})
	if err != nil {
		d.logger.Error("daemon: handling transition",
			slog.String("state", string(s)), slog.String("error", err.Error()))
	}
}

// StartSession hands the sensor from background counting to an explicit
// session.
func (d *Daemon) StartSession(ctx context.Context) error {
	d.coord.PauseForSession()

	if err := d.ctrl.Start(ctx); err != nil {
		now := d.nowFunc()
		d.coord.ResumeAfterSession(ctx, now, now)

		return err
	}

	return nil
}

// StopSession ends the explicit session and persists it.
func (d *Daemon) StopSession() int64 {
	return d.ctrl.Stop()
}

// ToggleSession implements api.Tracker.
func (d *Daemon) ToggleSession(ctx context.Context) error {
	if d.ctrl.State() == session.Tracking {
		d.StopSession()
		return nil
	}

	return d.StartSession(ctx)
}

// TrackerStatus implements api.Tracker.
func (d *Daemon) TrackerStatus() api.TrackerStatus {
	ctx := context.Background()
	st := d.ctrl.Status()
	snap := d.coord.Snapshot()

	return api.TrackerStatus{
		UserID:          d.userID,
		Session:         st.State.String(),
		SessionSteps:    st.Steps,
		SessionStarted:  st.StartedAt,
		Permission:      string(d.sensor.PermissionStatus(ctx)),
		SensorAvailable: d.sensor.Available(ctx),
		Pending:         snap.Pending,
		InFlight:        snap.InFlight,
		LastSyncedTotal: snap.LastSyncedTotal,
		Background:      snap.Background,
		Failures:        snap.Failures,
		LastError:       snap.LastError,
		QueuedSessions:  snap.QueuedSessions,
	}
}

// LogActivity implements api.ActivityLogger and checks achievements
// afterwards.
func (d *Daemon) LogActivity(ctx context.Context, uid string, in progress.ActivityInput) (progress.Result, progress.Activity, error) {
	res, act, err := d.syncer.LogActivity(ctx, uid, in)
	if err != nil {
		return res, act, err
	}

	d.checkAwards(ctx, uid, res)

	return res, act, nil
}

// onSessionComplete persists a finalized session. It runs on a fresh context
// so a stop during shutdown still commits. A failed write queues the session
// with the coordinator, which re-sends it under the same ID.
func (d *Daemon) onSessionComplete(s session.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), d.flushTimeout)
	defer cancel()

	in := progress.SessionInput{
		ID:        s.ID,
		Steps:     s.Steps,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}

	res, err := d.syncer.FinalizeSession(ctx, d.userID, in)
	if err != nil {
		d.logger.Warn("daemon: session sync failed, queueing for retry",
			slog.String("session_id", s.ID),
			slog.Int64("steps", s.Steps),
			slog.String("error", err.Error()),
		)
		d.coord.QueueSession(ctx, in)
	} else {
		d.checkAwards(ctx, d.userID, res)
	}

	d.coord.ResumeAfterSession(ctx, s.StartedAt, s.EndedAt)

	if d.onSynced != nil {
		d.onSynced(s, res, err)
	}
}

func (d *Daemon) checkAwards(ctx context.Context, uid string, res progress.Result) {
	if _, err := d.awarder.CheckResult(ctx, uid, res); err != nil {
		d.logger.Warn("daemon: checking achievements", slog.String("error", err.Error()))
	}
}

// awardingRemote is the coordinator's write path: a commit followed by an
// achievement check.
type awardingRemote struct {
	d *Daemon
}

func (r awardingRemote) ApplyDelta(ctx context.Context, uid string, delta int64) (progress.Result, error) {
	res, err := r.d.syncer.ApplyDelta(ctx, uid, delta)
	if err != nil {
		return res, err
	}

	r.d.checkAwards(ctx, uid, res)

	return res, nil
}

func (r awardingRemote) FinalizeSession(ctx context.Context, uid string, in progress.SessionInput) (progress.Result, error) {
	res, err := r.d.syncer.FinalizeSession(ctx, uid, in)
	if err != nil {
		return res, err
	}

	r.d.checkAwards(ctx, uid, res)

	return res, nil
}

// guarded runs fn, converting a panic into an error.
func guarded(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()

	err = fn()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
