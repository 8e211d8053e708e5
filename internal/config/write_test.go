package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefault(path, "walker-7"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "walker-7", cfg.UserID)
	assert.Equal(t, int64(defaultStepsPerCoin), cfg.Conversion.StepsPerCoin)
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := writeTestConfig(t, `user_id = "keep-me"`)

	err := WriteDefault(path, "other")
	require.ErrorIs(t, err, ErrConfigExists)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", cfg.UserID)
}

func TestWriteDefault_EmptyUserUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, WriteDefault(path, ""))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultUserID, cfg.UserID)
}

func TestAtomicWriteFile_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, atomicWriteFile(path, []byte("user_id = \"x\"\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.toml", entries[0].Name())
}
