package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is owner read/write only: the file may hold a
// database URL.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the file written by "config init". Every setting is
// present as a commented-out default.
const configTemplate = `# stepsync configuration

# User whose progress is synced.
user_id = %q

[conversion]
# steps_per_coin = 5000

[sync]
# flush_debounce = "15s"
# flush_timeout = "30s"
# failure_threshold = 3
# shutdown_timeout = "30s"

[sensor]
# Counter log written by the device bridge.
# counter_file = "~/.local/share/stepsync/steps.log"

[store]
# backend = "sqlite"        # or "postgres"
# sqlite_path = ""
# postgres_url = ""         # or STEPSYNC_POSTGRES_URL
# max_retries = 5
# state_path = ""

[push]
# redis_addr = ""           # empty disables push
# channel = "stepsync.progress"

[lifecycle]
# source = "signal"         # SIGUSR1 background, SIGUSR2 active; or "websocket"
# websocket_url = ""

[api]
# listen = "127.0.0.1:8787" # empty disables the status API

[logging]
# log_level = "info"
# log_format = "auto"
`

// WriteDefault writes the commented default config for userID to path.
// The write is atomic (temp file + rename) and parent directories are
// created as needed.
func WriteDefault(path, userID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	if userID == "" {
		userID = defaultUserID
	}

	slog.Info("creating config file", "path", path, "user_id", userID)

	return atomicWriteFile(path, fmt.Appendf(nil, configTemplate, userID))
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place, so a crash never leaves a half-written config.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
