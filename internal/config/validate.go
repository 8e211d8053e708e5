package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minFlushDebounce    = 1 * time.Second
	maxFlushDebounce    = 10 * time.Minute
	minFlushTimeout     = 1 * time.Second
	minShutdownTimeout  = 1 * time.Second
	minFailureThreshold = 1
	maxRetriesLimit     = 50
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.UserID == "" {
		errs = append(errs, errors.New("user_id: must not be empty"))
	}

	if cfg.Conversion.StepsPerCoin <= 0 {
		errs = append(errs, fmt.Errorf("conversion.steps_per_coin: must be > 0, got %d",
			cfg.Conversion.StepsPerCoin))
	}

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateLifecycle(&cfg.Lifecycle)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints after the override chain
// has been applied. A postgres URL may only arrive through the environment,
// so the backend/URL pairing is checked here rather than in Validate.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Store.Backend == BackendPostgres && cfg.Store.PostgresURL == "" {
		errs = append(errs, fmt.Errorf("store.postgres_url: required for backend %q (or set %s)",
			BackendPostgres, EnvPostgresURL))
	}

	if cfg.Store.StatePath == "" {
		errs = append(errs, errors.New("store.state_path: could not determine a default; set it explicitly"))
	}

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("sync.flush_debounce", s.FlushDebounce, minFlushDebounce, maxFlushDebounce)...)
	errs = append(errs, validateDuration("sync.flush_timeout", s.FlushTimeout, minFlushTimeout, 0)...)
	errs = append(errs, validateDuration("sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout, 0)...)

	if s.FailureThreshold < minFailureThreshold {
		errs = append(errs, fmt.Errorf("sync.failure_threshold: must be >= %d, got %d",
			minFailureThreshold, s.FailureThreshold))
	}

	return errs
}

// validateDuration checks that s parses and lies in [lo, hi]. hi == 0 means
// no upper bound.
func validateDuration(field, s string, lo, hi time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, s, err)}
	}

	if d < lo || (hi > 0 && d > hi) {
		if hi > 0 {
			return []error{fmt.Errorf("%s: must be between %s and %s, got %s", field, lo, hi, d)}
		}

		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, lo, d)}
	}

	return nil
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	switch s.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.backend: must be one of %s, %s; got %q",
			BackendSQLite, BackendPostgres, s.Backend))
	}

	if s.MaxRetries < 0 || s.MaxRetries > maxRetriesLimit {
		errs = append(errs, fmt.Errorf("store.max_retries: must be between 0 and %d, got %d",
			maxRetriesLimit, s.MaxRetries))
	}

	if s.PostgresURL != "" {
		u, err := url.Parse(s.PostgresURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, errors.New("store.postgres_url: must be a postgres:// URL"))
		}
	}

	return errs
}

func validateLifecycle(l *LifecycleConfig) []error {
	switch l.Source {
	case LifecycleSignal:
		return nil
	case LifecycleWebsocket:
		u, err := url.Parse(l.WebsocketURL)
		if l.WebsocketURL == "" || err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return []error{fmt.Errorf("lifecycle.websocket_url: must be a ws:// or wss:// URL for source %q",
				LifecycleWebsocket)}
		}

		return nil
	default:
		return []error{fmt.Errorf("lifecycle.source: must be one of %s, %s; got %q",
			LifecycleSignal, LifecycleWebsocket, l.Source)}
	}
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
