// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for stepsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	UserID     string           `toml:"user_id"`
	Conversion ConversionConfig `toml:"conversion"`
	Sync       SyncConfig       `toml:"sync"`
	Sensor     SensorConfig     `toml:"sensor"`
	Store      StoreConfig      `toml:"store"`
	Push       PushConfig       `toml:"push"`
	Lifecycle  LifecycleConfig  `toml:"lifecycle"`
	API        APIConfig        `toml:"api"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ConversionConfig holds the step-to-coin rate. It is read once at startup.
type ConversionConfig struct {
	StepsPerCoin int64 `toml:"steps_per_coin"`
}

// SyncConfig controls the background flush loop.
type SyncConfig struct {
	FlushDebounce    string `toml:"flush_debounce"`
	FlushTimeout     string `toml:"flush_timeout"`
	FailureThreshold int    `toml:"failure_threshold"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
}

// Debounce returns the parsed flush debounce. Validate guarantees it parses.
func (s *SyncConfig) Debounce() time.Duration {
	return durationOr(s.FlushDebounce, defaultFlushDebounce)
}

// Timeout returns the parsed per-flush remote write timeout.
func (s *SyncConfig) Timeout() time.Duration {
	return durationOr(s.FlushTimeout, defaultFlushTimeout)
}

// Shutdown returns how long a graceful stop may take.
func (s *SyncConfig) Shutdown() time.Duration {
	return durationOr(s.ShutdownTimeout, defaultShutdownTimeout)
}

// SensorConfig points at the device bridge's counter log.
type SensorConfig struct {
	CounterFile string `toml:"counter_file"`
}

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects where progress is committed. Checkpoints always live
// in the local state database.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
	MaxRetries  int    `toml:"max_retries"`
	StatePath   string `toml:"state_path"`
}

// PushConfig enables Redis fan-out of committed progress. An empty
// redis_addr disables it.
type PushConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	Channel       string `toml:"channel"`
}

// Lifecycle sources.
const (
	LifecycleSignal    = "signal"
	LifecycleWebsocket = "websocket"
)

// LifecycleConfig selects where foreground/background transitions come from.
type LifecycleConfig struct {
	Source       string `toml:"source"`
	WebsocketURL string `toml:"websocket_url"`
}

// APIConfig controls the HTTP status API. An empty listen address disables it.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	UserID     *string // --user flag
	Backend    *string // --backend flag
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}
