package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elcano/stepsync/internal/config"
	"github.com/elcano/stepsync/internal/lifecycle"
	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/push"
	"github.com/elcano/stepsync/internal/store"
)

// backends holds the opened storage and push handles for one command.
type backends struct {
	progress    progress.Store
	checkpoints *store.SQLite
	push        *push.Redis // nil when push is disabled
	closers     []func() error
}

// notifier returns the push fan-out as a progress.Notifier, or nil. The
// explicit nil avoids handing out a typed-nil interface.
func (b *backends) notifier() progress.Notifier {
	if b.push == nil {
		return nil
	}

	return b.push
}

// Close releases every handle in reverse open order.
func (b *backends) Close() error {
	var errs []error

	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// openBackends opens the configured progress store and the local state
// database. With the SQLite backend pointed at the state path, one handle
// serves both.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	opts := store.Options{MaxRetries: cfg.Store.MaxRetries, Logger: logger}

	state, err := store.OpenSQLite(ctx, cfg.Store.StatePath, opts)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	b.checkpoints = state
	b.closers = append(b.closers, state.Close)

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresURL, opts)
		if err != nil {
			b.Close()
			return nil, err
		}

		b.progress = pg
		b.closers = append(b.closers, pg.Close)
	default:
		if cfg.Store.SQLitePath == cfg.Store.StatePath {
			b.progress = state
			break
		}

		db, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath, opts)
		if err != nil {
			b.Close()
			return nil, err
		}

		b.progress = db
		b.closers = append(b.closers, db.Close)
	}

	if client := push.Connect(cfg.Push.RedisAddr, cfg.Push.RedisPassword); client != nil {
		b.push = push.New(client, cfg.Push.Channel, logger)
		b.closers = append(b.closers, client.Close)
	}

	return b, nil
}

// newLifecycleSource builds the configured foreground/background feed.
func newLifecycleSource(cfg *config.Config, logger *slog.Logger) lifecycle.Source {
	if cfg.Lifecycle.Source == config.LifecycleWebsocket {
		return lifecycle.NewWebsocketSource(cfg.Lifecycle.WebsocketURL, logger)
	}

	return lifecycle.NewSignalSource(logger)
}

// newSyncer builds the progress write path for one-shot commands.
func newSyncer(cfg *config.Config, b *backends, logger *slog.Logger) *progress.Syncer {
	return progress.NewSyncer(progress.SyncerConfig{
		Store:    b.progress,
		Rate:     cfg.Conversion.StepsPerCoin,
		Notifier: b.notifier(),
		Logger:   logger,
	})
}
