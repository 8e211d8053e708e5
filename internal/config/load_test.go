package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
user_id = "u-42"

[conversion]
steps_per_coin = 2500

[sync]
flush_debounce = "5s"
flush_timeout = "10s"
failure_threshold = 4
shutdown_timeout = "20s"

[sensor]
counter_file = "/var/lib/bridge/steps.log"

[store]
backend = "postgres"
postgres_url = "postgres://app:secret@db:5432/stepsync"
max_retries = 8
state_path = "/var/lib/stepsync/state.db"

[push]
redis_addr = "localhost:6379"
channel = "custom"

[lifecycle]
source = "websocket"
websocket_url = "ws://127.0.0.1:9000/lifecycle"

[api]
listen = "127.0.0.1:8787"

[logging]
log_level = "debug"
log_format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u-42", cfg.UserID)
	assert.Equal(t, int64(2500), cfg.Conversion.StepsPerCoin)
	assert.Equal(t, 5*time.Second, cfg.Sync.Debounce())
	assert.Equal(t, 10*time.Second, cfg.Sync.Timeout())
	assert.Equal(t, 20*time.Second, cfg.Sync.Shutdown())
	assert.Equal(t, 4, cfg.Sync.FailureThreshold)
	assert.Equal(t, "/var/lib/bridge/steps.log", cfg.Sensor.CounterFile)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Store.MaxRetries)
	assert.Equal(t, "custom", cfg.Push.Channel)
	assert.Equal(t, LifecycleWebsocket, cfg.Lifecycle.Source)
	assert.Equal(t, "127.0.0.1:8787", cfg.API.Listen)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
flush_debounce = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Sync.Debounce())
	assert.Equal(t, defaultFlushTimeout, cfg.Sync.Timeout())
	assert.Equal(t, int64(defaultStepsPerCoin), cfg.Conversion.StepsPerCoin)
	assert.Equal(t, defaultUserID, cfg.UserID)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
}

func TestLoad_UnknownKeySuggests(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
flush_debounse = "30s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"sync.flush_debounse"`)
	assert.Contains(t, err.Error(), `did you mean "sync.flush_debounce"`)
}

func TestLoad_MisplacedKeySuggestsSection(t *testing.T) {
	path := writeTestConfig(t, `steps_per_coin = 100`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "conversion.steps_per_coin"`)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `user_id = `)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsAccumulate(t *testing.T) {
	path := writeTestConfig(t, `
[conversion]
steps_per_coin = 0

[logging]
log_level = "loud"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversion.steps_per_coin")
	assert.Contains(t, err.Error(), "logging.log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := writeTestConfig(t, `
user_id = "from-file"

[push]
redis_addr = "file:6379"
`)

	cliUser := "from-cli"
	env := EnvOverrides{
		ConfigPath:  path,
		UserID:      "from-env",
		PostgresURL: "postgres://env@db/stepsync",
		RedisAddr:   "env:6379",
	}

	cfg, gotPath, err := Resolve(env, CLIOverrides{UserID: &cliUser})
	require.NoError(t, err)

	assert.Equal(t, path, gotPath)
	assert.Equal(t, "from-cli", cfg.UserID)
	assert.Equal(t, "env:6379", cfg.Push.RedisAddr)
	assert.Equal(t, "postgres://env@db/stepsync", cfg.Store.PostgresURL)
}

func TestResolve_NoFileFillsDataPaths(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, _, err := Resolve(EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Store.StatePath)
	assert.NotEmpty(t, cfg.Store.SQLitePath)
	assert.NotEmpty(t, cfg.Sensor.CounterFile)
	assert.Equal(t, filepath.Base(cfg.Store.StatePath), stateDBName)
}

func TestResolve_PostgresNeedsURL(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := writeTestConfig(t, `
[store]
backend = "postgres"
`)

	_, _, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.postgres_url")
}

func TestResolve_CLIBackend(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := writeTestConfig(t, `
[store]
backend = "postgres"
postgres_url = "postgres://db/stepsync"
`)

	backend := BackendSQLite

	cfg, _, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{Backend: &backend})
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "/cli.toml", ResolveConfigPath(EnvOverrides{ConfigPath: "/env.toml"}, CLIOverrides{ConfigPath: "/cli.toml"}))
	assert.Equal(t, "/env.toml", ResolveConfigPath(EnvOverrides{ConfigPath: "/env.toml"}, CLIOverrides{}))
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "steps.log"), expandTilde("~/steps.log"))
	assert.Equal(t, "/abs/steps.log", expandTilde("/abs/steps.log"))
	assert.Equal(t, "~user/x", expandTilde("~user/x"))
}
