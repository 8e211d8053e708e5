package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_AllSections(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store.StatePath = "/data/state.db"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/etc/stepsync/config.toml", &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/stepsync/config.toml")
	assert.Contains(t, out, `user_id = "local"`)

	for _, section := range []string{"[conversion]", "[sync]", "[sensor]", "[store]", "[push]", "[lifecycle]", "[api]", "[logging]"} {
		assert.Contains(t, out, section)
	}

	assert.Contains(t, out, "steps_per_coin = 5000")
	assert.NotContains(t, out, "postgres_url")
	assert.NotContains(t, out, "redis_addr")
}

func TestRenderEffective_RedactsPostgresPassword(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store.PostgresURL = "postgres://app:hunter2@db:5432/stepsync"
	cfg.Push.RedisAddr = "localhost:6379"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "", &buf))

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "postgres://app:xxxxx@db:5432/stepsync")
	assert.Contains(t, out, `redis_addr = "localhost:6379"`)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	t.Parallel()

	err := RenderEffective(DefaultConfig(), "", failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
