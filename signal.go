package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elcano/stepsync/internal/config"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. The daemon gets time to tear down the
// session and make its final flush, while a hung shutdown can still be
// force-quit.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// reloader applies a re-resolved config to a running daemon.
type reloader struct {
	holder  *config.Holder
	level   *slog.LevelVar
	flags   CLIFlags
	resolve func() (*config.Config, error)
	logger  *slog.Logger
}

// watch reloads on every SIGHUP until ctx is canceled.
func (r *reloader) watch(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				r.reload()
			}
		}
	}()
}

// reload re-resolves the config. An invalid file keeps the running config.
// Only the log level applies live; changes to anything the pipeline was
// built from are reported as needing a restart.
func (r *reloader) reload() {
	next, err := r.resolve()
	if err != nil {
		r.logger.Warn("config reload failed, keeping current config",
			slog.String("path", r.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, key := range restartKeys(r.holder.Config(), next) {
		r.logger.Warn("config change requires a restart", slog.String("key", key))
	}

	r.holder.Update(next)
	r.level.Set(logLevel(next, r.flags))

	r.logger.Info("config reloaded", slog.String("path", r.holder.Path()))
}

// restartKeys lists settings that differ between prev and next but are
// only read at startup.
func restartKeys(prev, next *config.Config) []string {
	var keys []string

	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}

	check("user_id", prev.UserID != next.UserID)
	check("conversion.steps_per_coin", prev.Conversion.StepsPerCoin != next.Conversion.StepsPerCoin)
	check("sync", prev.Sync != next.Sync)
	check("sensor.counter_file", prev.Sensor != next.Sensor)
	check("store", prev.Store != next.Store)
	check("push", prev.Push != next.Push)
	check("lifecycle", prev.Lifecycle != next.Lifecycle)
	check("api.listen", prev.API != next.API)
	check("logging.log_format", prev.Logging.LogFormat != next.Logging.LogFormat)

	return keys
}
