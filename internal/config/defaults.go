package config

import (
	"path/filepath"
	"time"
)

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultUserID           = "local"
	defaultStepsPerCoin     = 5000
	defaultFlushDebounce    = 15 * time.Second
	defaultFlushTimeout     = 30 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultFailureThreshold = 3
	defaultBackend          = BackendSQLite
	defaultMaxRetries       = 5
	defaultChannel          = "stepsync.progress"
	defaultLifecycleSource  = LifecycleSignal
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// File names inside the data directory.
const (
	progressDBName = "progress.db"
	stateDBName    = "state.db"
	counterLogName = "steps.log"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
// Paths left empty are filled from the data directory by Resolve.
func DefaultConfig() *Config {
	return &Config{
		UserID:     defaultUserID,
		Conversion: ConversionConfig{StepsPerCoin: defaultStepsPerCoin},
		Sync: SyncConfig{
			FlushDebounce:    defaultFlushDebounce.String(),
			FlushTimeout:     defaultFlushTimeout.String(),
			FailureThreshold: defaultFailureThreshold,
			ShutdownTimeout:  defaultShutdownTimeout.String(),
		},
		Store: StoreConfig{
			Backend:    defaultBackend,
			MaxRetries: defaultMaxRetries,
		},
		Push:      PushConfig{Channel: defaultChannel},
		Lifecycle: LifecycleConfig{Source: defaultLifecycleSource},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

// fillDefaultPaths points empty file paths at dataDir.
func fillDefaultPaths(cfg *Config, dataDir string) {
	if dataDir == "" {
		return
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(dataDir, progressDBName)
	}

	if cfg.Store.StatePath == "" {
		cfg.Store.StatePath = filepath.Join(dataDir, stateDBName)
	}

	if cfg.Sensor.CounterFile == "" {
		cfg.Sensor.CounterFile = filepath.Join(dataDir, counterLogName)
	}
}
