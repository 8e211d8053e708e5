package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/session"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 200
)

type progressResponse struct {
	progress.Progress
	TodaySteps int64 `json:"today_steps"`
}

type activityRequest struct {
	Type            string  `json:"type"`
	Title           string  `json:"title"`
	Steps           int64   `json:"steps"`
	DurationMinutes float64 `json:"duration_minutes"`
	DistanceKm      float64 `json:"distance_km"`
}

type activityResponse struct {
	Activity    progress.Activity `json:"activity"`
	TotalSteps  int64             `json:"total_steps"`
	Coins       int64             `json:"coins"`
	CoinsEarned int64             `json:"coins_earned"`
}

// RegisterRoutes mounts the progress, activity and tracker routes on r.
func RegisterRoutes(r fiber.Router, deps Deps) {
	r.Get("/users/:uid/progress", func(c *fiber.Ctx) error {
		uid := c.Params("uid")

		p, err := deps.Store.Progress(c.UserContext(), uid)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		today, err := deps.Store.DailySteps(c.UserContext(), uid, progress.DateKey(deps.NowFunc()))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		return c.JSON(progressResponse{Progress: p, TodaySteps: today})
	})

	r.Get("/users/:uid/daily/:date", func(c *fiber.Ctx) error {
		date := c.Params("date")
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "date must be YYYY-MM-DD")
		}

		steps, err := deps.Store.DailySteps(c.UserContext(), c.Params("uid"), date)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		return c.JSON(fiber.Map{"date": date, "steps": steps})
	})

	r.Get("/users/:uid/activities", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultActivityLimit)
		if limit <= 0 || limit > maxActivityLimit {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 200")
		}

		acts, err := deps.Store.RecentActivities(c.UserContext(), c.Params("uid"), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		if acts == nil {
			acts = []progress.Activity{}
		}

		return c.JSON(acts)
	})

	r.Post("/users/:uid/activities", func(c *fiber.Ctx) error {
		var req activityRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if req.Steps < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "steps must not be negative")
		}

		res, act, err := deps.Activities.LogActivity(c.UserContext(), c.Params("uid"), progress.ActivityInput{
			Type:            progress.ParseActivityType(req.Type),
			Title:           req.Title,
			Steps:           req.Steps,
			DurationMinutes: req.DurationMinutes,
			DistanceKm:      req.DistanceKm,
		})
		if errors.Is(err, progress.ErrNoUser) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}

		return c.Status(fiber.StatusCreated).JSON(activityResponse{
			Activity:    act,
			TotalSteps:  res.TotalSteps,
			Coins:       res.Coins,
			CoinsEarned: res.CoinsEarned,
		})
	})

	if deps.Tracker == nil {
		return
	}

	r.Get("/tracker", func(c *fiber.Ctx) error {
		return c.JSON(deps.Tracker.TrackerStatus())
	})

	r.Post("/tracker/toggle", func(c *fiber.Ctx) error {
		err := deps.Tracker.ToggleSession(c.UserContext())

		switch {
		case errors.Is(err, session.ErrPermissionDenied):
			return fiber.NewError(fiber.StatusForbidden, err.Error())
		case errors.Is(err, session.ErrSensorUnavailable):
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		case errors.Is(err, session.ErrFinalizing):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		return c.JSON(deps.Tracker.TrackerStatus())
	})
}
