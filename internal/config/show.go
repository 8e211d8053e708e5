package config

import (
	"fmt"
	"io"
	"net/url"
)

// RenderEffective writes the resolved configuration to w as TOML-like
// annotated text for "config show". Credentials are redacted.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)
	ew.printf("user_id = %q\n\n", cfg.UserID)

	ew.printf("[conversion]\n")
	ew.printf("  steps_per_coin = %d\n\n", cfg.Conversion.StepsPerCoin)

	ew.printf("[sync]\n")
	ew.printf("  flush_debounce    = %q\n", cfg.Sync.FlushDebounce)
	ew.printf("  flush_timeout     = %q\n", cfg.Sync.FlushTimeout)
	ew.printf("  failure_threshold = %d\n", cfg.Sync.FailureThreshold)
	ew.printf("  shutdown_timeout  = %q\n\n", cfg.Sync.ShutdownTimeout)

	ew.printf("[sensor]\n")
	ew.printf("  counter_file = %q\n\n", cfg.Sensor.CounterFile)

	ew.printf("[store]\n")
	ew.printf("  backend     = %q\n", cfg.Store.Backend)
	ew.printf("  sqlite_path = %q\n", cfg.Store.SQLitePath)

	if cfg.Store.PostgresURL != "" {
		ew.printf("  postgres_url = %q\n", redactURL(cfg.Store.PostgresURL))
	}

	ew.printf("  max_retries = %d\n", cfg.Store.MaxRetries)
	ew.printf("  state_path  = %q\n\n", cfg.Store.StatePath)

	ew.printf("[push]\n")

	if cfg.Push.RedisAddr != "" {
		ew.printf("  redis_addr = %q\n", cfg.Push.RedisAddr)
	}

	ew.printf("  channel    = %q\n\n", cfg.Push.Channel)

	ew.printf("[lifecycle]\n")
	ew.printf("  source = %q\n", cfg.Lifecycle.Source)

	if cfg.Lifecycle.WebsocketURL != "" {
		ew.printf("  websocket_url = %q\n", cfg.Lifecycle.WebsocketURL)
	}

	ew.printf("\n[api]\n")
	ew.printf("  listen = %q\n\n", cfg.API.Listen)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}

	return u.Redacted()
}
