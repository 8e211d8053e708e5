package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elcano/stepsync/internal/config"
	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/progress/progresstest"
	"github.com/elcano/stepsync/internal/reconcile"
)

// Command tests drive newRootCmd() end to end. They share the global flag
// variables, so none of them run in parallel.

func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{config.EnvConfig, config.EnvUser, config.EnvPostgresURL, config.EnvRedisAddr} {
		t.Setenv(key, "")
	}
}

// writeTestConfig writes a config whose databases live in a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `user_id = "walker-1"

[sensor]
counter_file = "` + filepath.Join(dir, "steps.log") + `"

[store]
sqlite_path = "` + filepath.Join(dir, "progress.db") + `"
state_path = "` + filepath.Join(dir, "state.db") + `"

[logging]
log_level = "error"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--quiet"}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestLogThenStatus(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, cfgPath, "log", "--steps", "6000", "--type", "run", "--minutes", "35", "--km", "5.2")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged run: 6,000 steps, 1 coin earned")
	assert.Contains(t, out, "Achievement unlocked: walker")

	out, err = execute(t, cfgPath, "status", "--json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, "walker-1", report.UserID)
	assert.Equal(t, int64(6000), report.TotalSteps)
	assert.Equal(t, int64(6000), report.TodaySteps)
	assert.Equal(t, int64(1+5+10+15), report.Coins, "step coin plus first-steps, walker, active-day")
	assert.ElementsMatch(t, []string{"first-steps", "walker", "active-day"}, report.Achievements)
	assert.Zero(t, report.PendingSteps)
	assert.False(t, report.DaemonRunning)
}

func TestStatus_Text(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "walker-1")
	assert.Contains(t, out, "Achievements:  none")
	assert.Contains(t, out, "Daemon:        not running")
}

func TestHistory(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No activities yet.")

	out, err = execute(t, cfgPath, "history", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = execute(t, cfgPath, "log", "--steps", "1200", "--title", "Dog walk")
	require.NoError(t, err)

	out, err = execute(t, cfgPath, "history", "--json")
	require.NoError(t, err)

	var acts []progress.Activity
	require.NoError(t, json.Unmarshal([]byte(out), &acts))
	require.Len(t, acts, 1)
	assert.Equal(t, "Dog walk", acts[0].Title)
	assert.Equal(t, progress.ActivityWalk, acts[0].Type)

	out, err = execute(t, cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "Dog walk")
	assert.Contains(t, out, "1,200")

	_, err = execute(t, cfgPath, "history", "--limit", "0")
	require.Error(t, err)
}

func TestLog_RejectsNegativeSteps(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, cfgPath, "log", "--steps", "-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--steps must not be negative")
}

func TestWatch_RequiresPush(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, cfgPath, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push is disabled")
}

func TestConfigShow(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `user_id = "walker-1"`)
	assert.Contains(t, out, "steps_per_coin = 5000")

	out, err = execute(t, cfgPath, "--user", "someone-else", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `user_id = "someone-else"`, "CLI flag beats the file")
}

func TestConfigInit(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, err := execute(t, path, "--user", "fresh", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cfg.UserID)

	_, err = execute(t, path, "config", "init")
	require.ErrorIs(t, err, config.ErrConfigExists)
}

func TestInvalidConfigFails(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[conversion]\nsteps_per_coins = 10\n"), 0o600))

	_, err := execute(t, path, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestSignalCommands_NoDaemon(t *testing.T) {
	cfgPath := writeTestConfig(t)

	for _, name := range []string{"reload", "background", "foreground"} {
		_, err := execute(t, cfgPath, name)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "no running daemon", name)
	}
}

func TestBuildStatus_CountsQueuedSessions(t *testing.T) {
	ctx := context.Background()
	db := openStateDB(t)

	require.NoError(t, db.SaveCheckpoint(ctx, "walker-1", reconcile.Checkpoint{
		PendingDelta:     150,
		LastReconciledAt: time.Now(),
		Sessions:         []progress.SessionInput{{ID: "s-1", Steps: 2000}},
	}))

	report, err := buildStatus(ctx, progresstest.New(), db, "walker-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2150), report.PendingSteps)
}
