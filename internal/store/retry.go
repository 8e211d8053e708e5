package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrConflict is returned when a transaction still conflicts with a
// concurrent writer after every retry.
var ErrConflict = errors.New("store: conflicting concurrent write")

// DefaultMaxRetries bounds transaction re-runs on write conflicts.
const DefaultMaxRetries = 5

const (
	retryInitBackoff = 10 * time.Millisecond
	retryMaxBackoff  = 500 * time.Millisecond
)

// withRetry runs attempt until it succeeds, fails with a non-retryable
// error, or maxRetries re-runs have conflicted.
func withRetry(
	ctx context.Context, maxRetries int, retryable func(error) bool,
	logger *slog.Logger, attempt func() error,
) error {
	backoff := retryInitBackoff

	for n := 0; ; n++ {
		err := attempt()
		if err == nil || !retryable(err) {
			return err
		}

		if n >= maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrConflict, n+1, err)
		}

		logger.Debug("store: transaction conflicted, retrying",
			slog.Int("attempt", n+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if err := timeSleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*2, retryMaxBackoff)
	}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
