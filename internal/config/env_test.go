package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvUser, "u-1")
	t.Setenv(EnvPostgresURL, "postgres://db/stepsync")
	t.Setenv(EnvRedisAddr, "localhost:6379")

	overrides := ReadEnvOverrides()
	assert.Equal(t, EnvOverrides{
		ConfigPath:  "/custom/config.toml",
		UserID:      "u-1",
		PostgresURL: "postgres://db/stepsync",
		RedisAddr:   "localhost:6379",
	}, overrides)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	for _, name := range []string{EnvConfig, EnvUser, EnvPostgresURL, EnvRedisAddr} {
		t.Setenv(name, "")
	}

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}

func TestDefaultPaths(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	assert.True(t, strings.Contains(DefaultConfigDir(), appName))
	assert.True(t, strings.Contains(DefaultDataDir(), appName))
	assert.True(t, strings.HasSuffix(DefaultConfigPath(), configFileName))
}
