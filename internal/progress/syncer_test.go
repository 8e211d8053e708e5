package progress_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/progress/progresstest"
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

type recordingNotifier struct {
	mu  sync.Mutex
	got []progress.Progress
	err error
}

func (n *recordingNotifier) Publish(_ context.Context, p progress.Progress) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.got = append(n.got, p)

	return n.err
}

func (n *recordingNotifier) all() []progress.Progress {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]progress.Progress(nil), n.got...)
}

const uid = "user-1"

func newSyncer(t *testing.T, store progress.Store, n progress.Notifier) *progress.Syncer {
	t.Helper()

	return progress.NewSyncer(progress.SyncerConfig{
		Store:    store,
		Rate:     5000,
		Notifier: n,
		Logger:   testLogger(t),
	})
}

func TestFinalizeSession_CommitsTotalsCoinsAndHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	notes := &recordingNotifier{}
	s := newSyncer(t, store, notes)

	ended := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	res, err := s.FinalizeSession(ctx, uid, progress.SessionInput{
		ID:        "sess-a",
		Steps:     12000,
		StartedAt: ended.Add(-90 * time.Minute),
		EndedAt:   ended,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(12000), res.TotalSteps)
	assert.Equal(t, int64(2), res.Coins)
	assert.Equal(t, int64(2), res.CoinsEarned)
	assert.Equal(t, int64(12000), res.TodaySteps)
	assert.False(t, res.Duplicate)

	p, err := store.Progress(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(12000), p.TotalSteps)
	assert.Equal(t, int64(2), p.Coins)

	daily, err := store.DailySteps(ctx, uid, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), daily)

	acts, err := store.RecentActivities(ctx, uid, 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, progress.ActivityWalk, acts[0].Type)
	assert.InDelta(t, 90.0, acts[0].DurationMinutes, 0.001)

	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-a", sessions[0].ID)

	require.Len(t, notes.all(), 1)
	assert.Equal(t, int64(2), notes.all()[0].Coins)
}

func TestFinalizeSession_DuplicateIDCommitsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	s := newSyncer(t, store, nil)

	in := progress.SessionInput{ID: "sess-dup", Steps: 6000, EndedAt: time.Now()}

	_, err := s.FinalizeSession(ctx, uid, in)
	require.NoError(t, err)

	res, err := s.FinalizeSession(ctx, uid, in)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(6000), res.TotalSteps)
	assert.Equal(t, int64(1), res.Coins)

	assert.Len(t, store.Sessions(), 1)

	n, err := store.CountActivities(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFinalizeSession_ZeroStepsIsNoop(t *testing.T) {
	t.Parallel()

	store := progresstest.New()
	s := newSyncer(t, store, nil)

	res, err := s.FinalizeSession(context.Background(), uid, progress.SessionInput{ID: "empty"})
	require.NoError(t, err)
	assert.Equal(t, progress.Result{}, res)
	assert.Zero(t, store.UpdateCalls())
	assert.Empty(t, store.Sessions())
}

func TestFinalizeSession_NoUser(t *testing.T) {
	t.Parallel()

	s := newSyncer(t, progresstest.New(), nil)

	_, err := s.FinalizeSession(context.Background(), "", progress.SessionInput{Steps: 10})
	require.ErrorIs(t, err, progress.ErrNoUser)
}

func TestFinalizeSession_StoreFailureIsTransientAndAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	store.FailUpdates(1, errors.New("unavailable"))
	s := newSyncer(t, store, nil)

	_, err := s.FinalizeSession(ctx, uid, progress.SessionInput{ID: "s1", Steps: 7000})
	require.ErrorIs(t, err, progress.ErrTransientSync)

	p, err := store.Progress(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, p.TotalSteps)
	assert.Zero(t, p.Coins)
	assert.Empty(t, store.Sessions(), "history is only written after a committed transaction")

	// The same session can be retried and lands exactly once.
	res, err := s.FinalizeSession(ctx, uid, progress.SessionInput{ID: "s1", Steps: 7000})
	require.NoError(t, err)
	assert.Equal(t, int64(7000), res.TotalSteps)
	assert.Equal(t, int64(1), res.Coins)
}

func TestFinalizeSession_HistoryFailureDoesNotFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	store.FailAppends(errors.New("log unavailable"))
	s := newSyncer(t, store, nil)

	res, err := s.FinalizeSession(ctx, uid, progress.SessionInput{ID: "s1", Steps: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.TotalSteps)
}

func TestApplyDelta_RetriedTransactionCountsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	store.Conflict(2)
	s := newSyncer(t, store, nil)

	res, err := s.ApplyDelta(ctx, uid, 5200)
	require.NoError(t, err)
	assert.Equal(t, int64(5200), res.TotalSteps)
	assert.Equal(t, int64(1), res.Coins)
	assert.Equal(t, int64(5200), res.TodaySteps)
}

func TestApplyDelta_CoinsFollowCumulativeTotal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSyncer(t, progresstest.New(), nil)

	res, err := s.ApplyDelta(ctx, uid, 4000)
	require.NoError(t, err)
	assert.Zero(t, res.CoinsEarned)

	res, err = s.ApplyDelta(ctx, uid, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), res.TotalSteps)
	assert.Equal(t, int64(1), res.CoinsEarned)
	assert.Equal(t, int64(1), res.Coins)
}

func TestApplyDelta_NonPositiveIsNoop(t *testing.T) {
	t.Parallel()

	store := progresstest.New()
	s := newSyncer(t, store, nil)

	for _, d := range []int64{0, -10} {
		res, err := s.ApplyDelta(context.Background(), uid, d)
		require.NoError(t, err)
		assert.Equal(t, progress.Result{}, res)
	}

	assert.Zero(t, store.UpdateCalls())
}

func TestApplyDelta_ConcurrentWritersSerialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	s := newSyncer(t, store, nil)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.ApplyDelta(ctx, uid, 1000)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	p, err := store.Progress(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), p.TotalSteps)
	assert.Equal(t, int64(4), p.Coins)
}

func TestLogActivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := progresstest.New()
	s := newSyncer(t, store, nil)

	res, act, err := s.LogActivity(ctx, uid, progress.ActivityInput{
		Type:  progress.ActivityRun,
		Title: "Morning run",
		Steps: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CoinsEarned)
	assert.NotEmpty(t, act.ID)
	assert.Equal(t, int64(1), act.CoinsEarned)

	_, act, err = s.LogActivity(ctx, uid, progress.ActivityInput{Title: "Stretching"})
	require.NoError(t, err)
	assert.Equal(t, progress.ActivityOther, act.Type)

	acts, err := store.RecentActivities(ctx, uid, 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "Stretching", acts[0].Title, "newest first")
	assert.Equal(t, 1, store.UpdateCalls(), "a zero-step activity does not touch totals")

	_, _, err = s.LogActivity(ctx, uid, progress.ActivityInput{Steps: -1})
	require.Error(t, err)
}

func TestParseActivityType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, progress.ActivityBike, progress.ParseActivityType("bike"))
	assert.Equal(t, progress.ActivityOther, progress.ParseActivityType("swim"))
}

func TestNewSyncer_DefaultRate(t *testing.T) {
	t.Parallel()

	s := progress.NewSyncer(progress.SyncerConfig{Store: progresstest.New()})
	assert.Equal(t, int64(5000), s.Rate())
}
