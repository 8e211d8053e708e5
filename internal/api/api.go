// Package api serves a read-mostly HTTP view of synced progress plus the
// live tracker, for companion apps and dashboards on the same host.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/elcano/stepsync/internal/progress"
)

const shutdownTimeout = 5 * time.Second

// Reader is the read side of the progress store.
type Reader interface {
	Progress(ctx context.Context, uid string) (progress.Progress, error)
	DailySteps(ctx context.Context, uid, dateKey string) (int64, error)
	RecentActivities(ctx context.Context, uid string, limit int) ([]progress.Activity, error)
}

// ActivityLogger records manual activities.
type ActivityLogger interface {
	LogActivity(ctx context.Context, uid string, in progress.ActivityInput) (progress.Result, progress.Activity, error)
}

// TrackerStatus is the live state of the local tracker.
type TrackerStatus struct {
	UserID          string    `json:"user_id"`
	Session         string    `json:"session"`
	SessionSteps    int64     `json:"session_steps"`
	SessionStarted  time.Time `json:"session_started_at,omitzero"`
	Permission      string    `json:"permission"`
	SensorAvailable bool      `json:"sensor_available"`
	Pending         int64     `json:"pending_steps"`
	InFlight        int64     `json:"in_flight_steps"`
	LastSyncedTotal int64     `json:"last_synced_total"`
	Background      bool      `json:"background"`
	Failures        int       `json:"consecutive_failures"`
	LastError       string    `json:"last_error,omitempty"`
	QueuedSessions  int       `json:"queued_sessions"`
}

// Tracker is the live session controller as seen by the API.
type Tracker interface {
	TrackerStatus() TrackerStatus
	ToggleSession(ctx context.Context) error
}

// Deps wires the API. Tracker may be nil, which disables /v1/tracker.
type Deps struct {
	Store      Reader
	Activities ActivityLogger
	Tracker    Tracker
	Logger     *slog.Logger
	NowFunc    func() time.Time
}

// New builds the fiber app with all routes registered.
func New(deps Deps) *fiber.App {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.NowFunc == nil {
		deps.NowFunc = time.Now
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(deps.Logger),
	})
	app.Use(recover.New())
	app.Use(requestLogger(deps.Logger))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	RegisterRoutes(app.Group("/v1"), deps)

	return app
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, app *fiber.App, addr string, logger *slog.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Info("api: listening", slog.String("addr", addr))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}

	return <-errCh
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error("api: request failed",
				slog.String("path", c.Path()), slog.String("error", err.Error()))
		}

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.Debug("api: request",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("elapsed", time.Since(start)),
		)

		return err
	}
}
