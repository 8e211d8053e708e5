// Package pedometer adapts a hardware or OS step counter into session
// deltas. A Sensor reports an absolute, monotonically non-decreasing counter;
// Track turns that stream into clamped, non-negative deltas.
package pedometer

import (
	"context"
	"time"
)

// Sample is a single sensor reading. Count is the absolute counter since
// sensor boot, never a per-event delta.
type Sample struct {
	Count int64
	At    time.Time
}

// Permission is the motion permission state reported by the platform.
type Permission string

// Permission states. Anything the platform reports that is not clearly
// granted or denied maps to PermissionUnknown.
const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission normalizes a platform status string.
func ParsePermission(status string, granted bool) Permission {
	switch {
	case granted || status == string(PermissionGranted):
		return PermissionGranted
	case status == string(PermissionDenied):
		return PermissionDenied
	default:
		return PermissionUnknown
	}
}

// Sensor is the platform step counter. Permission and availability are
// reported as state, not errors. Watch never fails: an unavailable sensor
// simply delivers nothing, and the returned stop function is always safe to
// call more than once.
type Sensor interface {
	PermissionStatus(ctx context.Context) Permission
	RequestPermission(ctx context.Context) Permission
	Available(ctx context.Context) bool

	// Watch delivers samples to fn in non-decreasing counter order on a
	// single goroutine until stop is called.
	Watch(fn func(Sample)) (stop func())

	// StepCount returns the number of steps the platform recorded in the
	// wall-clock window [from, to), independent of any live subscription.
	StepCount(ctx context.Context, from, to time.Time) (int64, error)
}
