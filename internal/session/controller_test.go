package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/pedometer/pedtest"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// completions captures finalized sessions.
type completions struct {
	mu       sync.Mutex
	sessions []Summary
}

func (c *completions) record(s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = append(c.sessions, s)
}

func (c *completions) all() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Summary(nil), c.sessions...)
}

func newTestController(t *testing.T, sensor *pedtest.Sensor) (*Controller, *completions) {
	t.Helper()

	done := &completions{}
	c := NewController(Config{
		Sensor:     sensor,
		OnComplete: done.record,
		Logger:     testLogger(t),
	})

	clock := time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)
	c.nowFunc = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	return c, done
}

func TestController_StartStopFinalizesOnce(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c, done := newTestController(t, sensor)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, Tracking, c.State())

	sensor.Emit(5000) // baseline
	sensor.Emit(9000)
	sensor.Emit(17000)

	assert.Equal(t, int64(12000), c.Stop())
	assert.Equal(t, Idle, c.State())

	// Second stop is a no-op.
	assert.Equal(t, int64(12000), c.Stop())

	got := done.all()
	require.Len(t, got, 1)
	assert.Equal(t, int64(12000), got[0].Steps)
	assert.NotEmpty(t, got[0].ID)
	assert.True(t, got[0].EndedAt.After(got[0].StartedAt))
	assert.Equal(t, 0, sensor.Watchers())
}

func TestController_TeardownDoesNotFinalize(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c, done := newTestController(t, sensor)

	require.NoError(t, c.Start(context.Background()))
	sensor.Emit(10)
	sensor.Emit(410)

	assert.Equal(t, int64(400), c.Teardown())
	assert.Empty(t, done.all())
	assert.Equal(t, 0, sensor.Watchers())
}

func TestController_StopWhenIdle(t *testing.T) {
	t.Parallel()

	c, done := newTestController(t, pedtest.New())

	assert.Zero(t, c.Stop())
	assert.Empty(t, done.all())
}

func TestController_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c, _ := newTestController(t, sensor)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	sensor.Emit(100)
	sensor.Emit(130)

	require.NoError(t, c.Start(ctx))

	assert.Equal(t, 1, sensor.WatchCalls())
	assert.Equal(t, int64(30), c.Steps(), "a repeated start must not reset the session")
}

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	sensor.SetPermission(pedometer.PermissionDenied)
	c, _ := newTestController(t, sensor)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)

	st := c.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, pedometer.PermissionDenied, st.Permission)
	assert.Zero(t, sensor.WatchCalls())
}

func TestController_PermissionRequestedWhenUnknown(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	sensor.SetPermission(pedometer.PermissionUnknown)
	sensor.SetRequestResult(pedometer.PermissionGranted)
	c, _ := newTestController(t, sensor)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, pedometer.PermissionGranted, c.Status().Permission)
}

func TestController_SensorUnavailable(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	sensor.SetAvailable(false)
	c, _ := newTestController(t, sensor)

	require.ErrorIs(t, c.Start(context.Background()), ErrSensorUnavailable)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.Status().Available)
}

func TestController_Toggle(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c, done := newTestController(t, sensor)
	ctx := context.Background()

	require.NoError(t, c.Toggle(ctx))
	assert.Equal(t, Tracking, c.State())

	sensor.Emit(1)
	sensor.Emit(8)

	require.NoError(t, c.Toggle(ctx))
	assert.Equal(t, Idle, c.State())
	require.Len(t, done.all(), 1)
	assert.Equal(t, int64(7), done.all()[0].Steps)
}

func TestController_NewSessionStartsFromZero(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c, done := newTestController(t, sensor)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	sensor.Emit(100)
	sensor.Emit(200)
	c.Stop()

	require.NoError(t, c.Start(ctx))
	assert.Zero(t, c.Steps())

	sensor.Emit(260) // new baseline
	sensor.Emit(300)
	c.Stop()

	got := done.all()
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].Steps)
	assert.Equal(t, int64(40), got[1].Steps)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestController_OnStepsSeesEveryDelta(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()

	var seen []int64
	c := NewController(Config{
		Sensor:  sensor,
		OnSteps: func(total int64) { seen = append(seen, total) },
		Logger:  testLogger(t),
	})

	require.NoError(t, c.Start(context.Background()))
	sensor.Emit(0)
	sensor.Emit(3)
	sensor.Emit(9)

	assert.Equal(t, []int64{3, 9}, seen)
	c.Teardown()
}

func TestController_CallbackPanicStillReturnsToIdle(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	c := NewController(Config{
		Sensor:     sensor,
		OnComplete: func(Summary) { panic("store exploded") },
		Logger:     testLogger(t),
	})

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	assert.Equal(t, Idle, c.State())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "tracking", Tracking.String())
	assert.Equal(t, "finalizing", Finalizing.String())
	assert.Equal(t, "State(9)", State(9).String())
}
