package pedometer_test

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elcano/stepsync/internal/pedometer"
	"github.com/elcano/stepsync/internal/pedometer/pedtest"
)

// testLogger returns a debug-level logger that writes to t.Log.
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

// deltaRecorder collects emitted deltas.
type deltaRecorder struct {
	mu     sync.Mutex
	deltas []int64
}

func (r *deltaRecorder) emit(d int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deltas = append(r.deltas, d)
}

func (r *deltaRecorder) sum() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, d := range r.deltas {
		total += d
	}

	return total
}

func TestTrack_SumOfDeltasEqualsSpan(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	rec := &deltaRecorder{}
	sub := pedometer.Track(sensor, rec.emit, testLogger(t))
	defer sub.Release()

	readings := []int64{1200, 1200, 1205, 1300, 1301, 2750, 2750, 4000}
	for _, r := range readings {
		sensor.Emit(r)
	}

	assert.Equal(t, readings[len(readings)-1]-readings[0], rec.sum())

	for _, d := range rec.deltas {
		assert.Positive(t, d, "zero deltas must not be emitted")
	}
}

func TestTrack_FirstSampleIsBaselineOnly(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	rec := &deltaRecorder{}
	sub := pedometer.Track(sensor, rec.emit, testLogger(t))
	defer sub.Release()

	sensor.Emit(98000)

	assert.Empty(t, rec.deltas)
}

func TestTrack_CounterResetYieldsZero(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	rec := &deltaRecorder{}
	sub := pedometer.Track(sensor, rec.emit, testLogger(t))
	defer sub.Release()

	sensor.Emit(500)
	sensor.Emit(800)
	sensor.Emit(20) // reboot
	sensor.Emit(50)

	assert.Equal(t, []int64{300, 30}, rec.deltas)
}

func TestSubscription_ReleaseStopsAndResetsBaseline(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	rec := &deltaRecorder{}
	sub := pedometer.Track(sensor, rec.emit, testLogger(t))

	sensor.Emit(100)
	sensor.Emit(150)
	require.Equal(t, 1, sensor.Watchers())

	sub.Release()
	sub.Release()

	assert.True(t, sub.Released())
	assert.Equal(t, 0, sensor.Watchers())

	sensor.Emit(900)
	assert.Equal(t, int64(50), rec.sum())

	// A fresh subscription starts from a new baseline.
	next := pedometer.Track(sensor, rec.emit, testLogger(t))
	defer next.Release()

	sensor.Emit(1000)
	sensor.Emit(1010)
	assert.Equal(t, int64(60), rec.sum())
}

func TestTrack_UnavailableSensorEmitsNothing(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	sensor.SetAvailable(false)

	rec := &deltaRecorder{}
	sub := pedometer.Track(sensor, rec.emit, testLogger(t))
	defer sub.Release()

	sensor.Emit(10)
	sensor.Emit(20)

	assert.Empty(t, rec.deltas)
}

func TestTrack_ConsumerPanicIsContained(t *testing.T) {
	t.Parallel()

	sensor := pedtest.New()
	calls := 0
	sub := pedometer.Track(sensor, func(int64) {
		calls++
		panic("boom")
	}, testLogger(t))
	defer sub.Release()

	sensor.Emit(1)
	sensor.Emit(2)
	sensor.Emit(3)

	assert.Equal(t, 2, calls)
}

func TestParsePermission(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pedometer.PermissionGranted, pedometer.ParsePermission("", true))
	assert.Equal(t, pedometer.PermissionGranted, pedometer.ParsePermission("granted", false))
	assert.Equal(t, pedometer.PermissionDenied, pedometer.ParsePermission("denied", false))
	assert.Equal(t, pedometer.PermissionUnknown, pedometer.ParsePermission("undetermined", false))
}
