package reconcile

import (
	"log/slog"
	"sync"
	"time"
)

// Consecutive flush failures before the retry delay grows past the debounce
// window.
const defaultFailureThreshold = 3

const backoffMaxCap = 1 * time.Hour

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their retry delays: 3→1m, 4→5m, 5→15m, 6+→1h.
var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

// backoffDuration returns the retry delay for the given number of
// consecutive failures, or 0 below threshold.
func backoffDuration(failures, threshold int) time.Duration {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}

	if failures < threshold {
		return 0
	}

	idx := failures - threshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}

// failureTracker counts consecutive failures of one operation (flush or
// history query). Any success clears it. Thread-safe.
type failureTracker struct {
	op        string
	mu        sync.Mutex
	count     int
	lastErr   string
	lastAt    time.Time
	threshold int
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func newFailureTracker(op string, threshold int, logger *slog.Logger) *failureTracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}

	return &failureTracker{op: op, threshold: threshold, logger: logger, nowFunc: time.Now}
}

// recordFailure increments the counter and returns the new count.
func (ft *failureTracker) recordFailure(errMsg string) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.count++
	ft.lastErr = errMsg
	ft.lastAt = ft.nowFunc()

	if ft.count == ft.threshold {
		ft.logger.Warn("reconcile: backing off after repeated failures",
			slog.String("op", ft.op),
			slog.Int("failures", ft.count),
			slog.String("last_error", errMsg),
			slog.Duration("backoff", backoffDuration(ft.count, ft.threshold)),
		)
	}

	return ft.count
}

func (ft *failureTracker) recordSuccess() {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.count >= ft.threshold {
		ft.logger.Info("reconcile: recovered",
			slog.String("op", ft.op), slog.Int("after_failures", ft.count))
	}

	ft.count = 0
	ft.lastErr = ""
}

// delay returns the wait before the next attempt: the debounce
// window, or the backoff step when that is longer.
func (ft *failureTracker) delay(debounce time.Duration) time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return max(debounce, backoffDuration(ft.count, ft.threshold))
}

func (ft *failureTracker) failures() (int, string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return ft.count, ft.lastErr
}
