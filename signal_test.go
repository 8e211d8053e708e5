package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/elcano/stepsync/internal/config"
)

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := shutdownContext(parent, logger)

	// Send SIGINT to ourselves.
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}

	select {
	case <-ctx.Done():
		// Expected: context canceled on first signal.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}

	// Clean up: cancel parent to stop the goroutine.
	cancel()
}

func TestShutdownContext_ParentCancelStopsGoroutine(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := shutdownContext(parent, logger)

	// Canceling the parent cancels the derived context.
	cancel()

	select {
	case <-ctx.Done():
		// Expected: context canceled when parent is canceled.
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}
}

func TestRestartKeys(t *testing.T) {
	t.Parallel()

	prev := config.DefaultConfig()
	next := config.DefaultConfig()
	assert.Empty(t, restartKeys(prev, next))

	next.Logging.LogLevel = "debug"
	assert.Empty(t, restartKeys(prev, next), "log level applies live")

	next.Conversion.StepsPerCoin = 1000
	next.API.Listen = "127.0.0.1:9000"
	assert.Equal(t, []string{"conversion.steps_per_coin", "api.listen"}, restartKeys(prev, next))
}

func TestReloader_AppliesLevelAndUpdatesHolder(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Logging.LogLevel = "debug"

	lv := new(slog.LevelVar)
	holder := config.NewHolder(cfg, "/etc/stepsync.toml")
	r := &reloader{
		holder:  holder,
		level:   lv,
		resolve: func() (*config.Config, error) { return next, nil },
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	r.reload()

	assert.Same(t, next, holder.Config())
	assert.Equal(t, slog.LevelDebug, lv.Level())
}

func TestReloader_KeepsConfigOnError(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)

	holder := config.NewHolder(cfg, "/etc/stepsync.toml")
	r := &reloader{
		holder:  holder,
		level:   lv,
		flags:   CLIFlags{Quiet: true},
		resolve: func() (*config.Config, error) { return nil, errors.New("bad toml") },
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	r.reload()

	assert.Same(t, cfg, holder.Config())
	assert.Equal(t, slog.LevelWarn, lv.Level())
}
