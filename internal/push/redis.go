// Package push fans committed progress out over Redis so other processes
// (the watch command, other devices' daemons) see totals without polling
// the store.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/elcano/stepsync/internal/progress"
)

// DefaultChannel is the channel prefix used when none is configured.
const DefaultChannel = "stepsync.progress"

// Redis publishes progress snapshots to a per-user channel and keeps the
// latest one under a per-user key.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ progress.Notifier = (*Redis)(nil)

// Connect returns a client for addr, or nil when addr is empty.
func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

// New wraps client. An empty prefix uses DefaultChannel.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannel
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{client: client, prefix: prefix, logger: logger}
}

// Channel returns the pub/sub channel for uid.
func (r *Redis) Channel(uid string) string {
	return r.prefix + ":" + uid
}

func (r *Redis) latestKey(uid string) string {
	return r.prefix + ":latest:" + uid
}

// Publish implements progress.Notifier. The snapshot is stored and published
// in one MULTI/EXEC.
func (r *Redis) Publish(ctx context.Context, p progress.Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("push: encoding progress: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.latestKey(p.UserID), payload, 0)
		pipe.Publish(ctx, r.Channel(p.UserID), payload)

		return nil
	})
	if err != nil {
		return fmt.Errorf("push: publishing progress for %s: %w", p.UserID, err)
	}

	r.logger.Debug("push: progress published",
		slog.String("user_id", p.UserID),
		slog.Int64("total_steps", p.TotalSteps),
	)

	return nil
}

// Latest returns the most recently published snapshot for uid.
func (r *Redis) Latest(ctx context.Context, uid string) (progress.Progress, bool, error) {
	raw, err := r.client.Get(ctx, r.latestKey(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return progress.Progress{}, false, nil
	}

	if err != nil {
		return progress.Progress{}, false, fmt.Errorf("push: reading latest for %s: %w", uid, err)
	}

	var p progress.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return progress.Progress{}, false, fmt.Errorf("push: decoding latest for %s: %w", uid, err)
	}

	return p, true, nil
}

// Subscribe calls fn for every snapshot published for uid until ctx is
// canceled.
func (r *Redis) Subscribe(ctx context.Context, uid string, fn func(progress.Progress)) error {
	pubsub := r.client.Subscribe(ctx, r.Channel(uid))
	defer pubsub.Close()

	// Wait for the server to confirm so no publish after this point is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("push: subscribing to %s: %w", r.Channel(uid), err)
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var p progress.Progress
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				r.logger.Warn("push: dropping malformed message",
					slog.String("channel", msg.Channel), slog.String("error", err.Error()))

				continue
			}

			fn(p)
		}
	}
}
