package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/config"
	"github.com/elcano/stepsync/internal/daemon"
	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/session"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracking daemon",
		Long: `Count steps in the background and keep the progress store in sync.

Foreground/background transitions come from the configured lifecycle
source (SIGUSR1/SIGUSR2 or a websocket feed). Pending steps are
checkpointed to the state database and survive a restart.

The first SIGINT or SIGTERM tears down any active session without
saving it and makes a final flush; a second signal forces exit.
SIGHUP reloads the config file.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(pidFilePath(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	holder := config.NewHolder(cfg, cc.CfgPath)
	r := &reloader{
		holder: holder,
		level:  cc.Level,
		flags:  cc.Flags,
		resolve: func() (*config.Config, error) {
			next, _, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
			return next, err
		},
		logger: logger,
	}
	r.watch(ctx)

	d := daemon.New(daemonConfig(cfg, b, logger))

	cc.Statusf("Tracking steps for %s (%s store)\n", cfg.UserID, cfg.Store.Backend)

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	return nil
}

// daemonConfig maps the resolved config onto the daemon's wiring.
func daemonConfig(cfg *config.Config, b *backends, logger *slog.Logger) daemon.Config {
	return daemon.Config{
		UserID:           cfg.UserID,
		Sensor:           pedometer.NewFileSensor(cfg.Sensor.CounterFile, logger),
		Store:            b.progress,
		Checkpoints:      b.checkpoints,
		Notifier:         b.notifier(),
		Lifecycle:        newLifecycleSource(cfg, logger),
		Rate:             cfg.Conversion.StepsPerCoin,
		Debounce:         cfg.Sync.Debounce(),
		FlushTimeout:     cfg.Sync.Timeout(),
		FailureThreshold: cfg.Sync.FailureThreshold,
		ShutdownTimeout:  cfg.Sync.Shutdown(),
		APIListen:        cfg.API.Listen,
		OnSessionSynced: func(s session.Summary, res progress.Result, err error) {
			if err != nil {
				return
			}

			logger.Info("session synced",
				slog.String("session_id", s.ID),
				slog.Int64("steps", s.Steps),
				slog.Int64("coins_earned", res.CoinsEarned),
			)
		},
		Logger: logger,
	}
}
