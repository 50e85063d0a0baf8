package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/obs"
)

func newPublisher(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSourceDeliversAndResyncsAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	metrics := obs.NewMetrics()
	events := make(chan ChangeEvent, 16)

	n, err := New(Config{
		Source:  RedisSource{Options: &redis.Options{Addr: mr.Addr(), MaxRetries: -1}, Poll: 20 * time.Millisecond},
		Backoff: Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		Metrics: metrics,
	})
	require.NoError(t, err)
	_, err = n.Subscribe(ChannelEntityChanged, collect(events))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitState(t, n, StateListening)

	pub := newPublisher(t, mr.Addr())
	payload, err := EncodeEntityChanged("watchlist", "9", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(t.Context(), ChannelEntityChanged, payload).Err())

	ev := receiveEvent(t, events)
	assert.Equal(t, "9", ev.EntityID)
	assert.False(t, ev.Resync)

	mr.Close()
	require.Eventually(t, func() bool { return n.State() != StateListening }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, mr.Restart())
	waitState(t, n, StateListening)

	ev = receiveEvent(t, events)
	assert.True(t, ev.Resync)
	assertNoEvent(t, events)
	assert.EqualValues(t, 1, metrics.Snapshot().Resyncs)

	require.NoError(t, pub.Publish(t.Context(), ChannelEntityChanged, payload).Err())
	ev = receiveEvent(t, events)
	assert.Equal(t, "9", ev.EntityID)
	assert.False(t, ev.Resync)
}

func TestRedisSourceListenWaitsForConfirmation(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := RedisSource{Options: &redis.Options{Addr: mr.Addr()}, Poll: 20 * time.Millisecond}.Dial(t.Context())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Listen(t.Context(), ChannelCollectionChanged))

	pub := newPublisher(t, mr.Addr())
	receivers, err := pub.Publish(t.Context(), ChannelCollectionChanged, "watchlist").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, receivers)

	got, err := c.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Notification{Channel: ChannelCollectionChanged, Payload: "watchlist"}, got)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Unlisten(t.Context(), ChannelCollectionChanged))
}

func TestRedisSourceDialFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := RedisSource{Options: &redis.Options{Addr: addr, MaxRetries: -1}}.Dial(t.Context())
	require.Error(t, err)
}
