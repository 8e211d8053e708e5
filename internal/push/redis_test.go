package push

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elcano/stepsync/internal/progress"
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

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "", testLogger(t)), server
}

func TestConnect(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Connect("", ""))

	c := Connect("localhost:6379", "")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

func TestRedis_PublishStoresLatest(t *testing.T) {
	t.Parallel()

	r, _ := newTestRedis(t)
	ctx := context.Background()

	_, found, err := r.Latest(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, found)

	want := progress.Progress{UserID: "user-1", TotalSteps: 12000, Coins: 2, Achievements: []string{"walker"}}
	require.NoError(t, r.Publish(ctx, want))

	got, found, err := r.Latest(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.TotalSteps, got.TotalSteps)
	assert.Equal(t, want.Coins, got.Coins)
	assert.Equal(t, want.Achievements, got.Achievements)
}

func TestRedis_SubscribeReceivesPublished(t *testing.T) {
	t.Parallel()

	r, server := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan progress.Progress, 1)
	done := make(chan error, 1)

	go func() {
		done <- r.Subscribe(ctx, "user-1", func(p progress.Progress) { got <- p })
	}()

	require.Eventually(t, func() bool {
		return server.PubSubNumSub(r.Channel("user-1"))[r.Channel("user-1")] == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Publish(context.Background(), progress.Progress{UserID: "user-1", TotalSteps: 800}))

	select {
	case p := <-got:
		assert.Equal(t, int64(800), p.TotalSteps)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published progress")
	}

	// Other users' channels are not delivered.
	require.NoError(t, r.Publish(context.Background(), progress.Progress{UserID: "user-2", TotalSteps: 1}))

	select {
	case p := <-got:
		t.Fatalf("unexpected delivery: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRedis_PublishError(t *testing.T) {
	t.Parallel()

	r, server := newTestRedis(t)
	server.Close()

	err := r.Publish(context.Background(), progress.Progress{UserID: "user-1"})
	require.Error(t, err)
}

func TestRedis_ChannelPrefix(t *testing.T) {
	t.Parallel()

	r := New(nil, "custom", nil)
	assert.Equal(t, "custom:u", r.Channel("u"))
	assert.Equal(t, "stepsync.progress:u", New(nil, "", nil).Channel("u"))
}
