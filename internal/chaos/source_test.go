package chaos

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/notify"
	"watchsync/internal/obs"
	"watchsync/pkg/exception"
)

type queueSource struct {
	msgs  chan notify.Notification
	dials atomic.Int64
}

func (s *queueSource) Dial(ctx context.Context) (notify.Conn, error) {
	s.dials.Add(1)
	return &queueConn{msgs: s.msgs}, nil
}

type queueConn struct {
	msgs chan notify.Notification
}

func (c *queueConn) Listen(ctx context.Context, channel string) error   { return nil }
func (c *queueConn) Unlisten(ctx context.Context, channel string) error { return nil }
func (c *queueConn) Close() error                                       { return nil }

func (c *queueConn) Receive(ctx context.Context) (notify.Notification, error) {
	select {
	case <-ctx.Done():
		return notify.Notification{}, ctx.Err()
	case msg := <-c.msgs:
		return msg, nil
	}
}

func entityMessage(t *testing.T, id int) notify.Notification {
	t.Helper()
	payload, err := notify.EncodeEntityChanged("watchlist", strconv.Itoa(id), nil)
	require.NoError(t, err)
	return notify.Notification{Channel: notify.ChannelEntityChanged, Payload: payload}
}

func TestValidate(t *testing.T) {
	_, err := NewSource(&queueSource{}, Config{DropRate: 1.5})
	require.ErrorIs(t, err, exception.ErrInvalidConfig)
	_, err = NewSource(&queueSource{}, Config{DialFailRate: -0.1})
	require.ErrorIs(t, err, exception.ErrInvalidConfig)
	_, err = NewSource(nil, Config{})
	require.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestDropAndDuplicate(t *testing.T) {
	inner := &queueSource{msgs: make(chan notify.Notification, 4)}

	dropAll, err := NewSource(inner, Config{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	c, err := dropAll.Dial(t.Context())
	require.NoError(t, err)
	inner.msgs <- entityMessage(t, 1)
	inner.msgs <- entityMessage(t, 2)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 2, dropAll.Stats().Dropped)

	dupAll, err := NewSource(inner, Config{Seed: 1, DuplicateRate: 1})
	require.NoError(t, err)
	c, err = dupAll.Dial(t.Context())
	require.NoError(t, err)
	want := entityMessage(t, 3)
	inner.msgs <- want
	for range 2 {
		got, err := c.Receive(t.Context())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.EqualValues(t, 1, dupAll.Stats().Duplicated)
}

func TestDialFailure(t *testing.T) {
	s, err := NewSource(&queueSource{}, Config{Seed: 1, DialFailRate: 1})
	require.NoError(t, err)
	_, err = s.Dial(t.Context())
	require.ErrorIs(t, err, ErrInjected)
	assert.EqualValues(t, 1, s.Stats().DialFailures)
}

// Every injected disconnect is followed by exactly one resync per
// subscription, and every message is either delivered or lost with a
// broken connection.
func TestNotifierResyncsAfterEveryDisconnect(t *testing.T) {
	const total = 200
	inner := &queueSource{msgs: make(chan notify.Notification, total)}
	src, err := NewSource(inner, Config{Seed: 42, DisconnectRate: 0.1, DialFailRate: 0.2})
	require.NoError(t, err)

	metrics := obs.NewMetrics()
	n, err := notify.New(notify.Config{
		Source:  src,
		Backoff: notify.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		Metrics: metrics,
	})
	require.NoError(t, err)

	var delivered, resyncs atomic.Int64
	_, err = n.Subscribe(notify.ChannelEntityChanged, func(ev notify.ChangeEvent) {
		if ev.Resync {
			resyncs.Add(1)
			return
		}
		delivered.Add(1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for i := range total {
		inner.msgs <- entityMessage(t, i)
	}

	require.Eventually(t, func() bool {
		lost := int64(src.Stats().Disconnects)
		return delivered.Load()+lost == total && resyncs.Load() == lost && n.State() == notify.StateListening
	}, 5*time.Second, 5*time.Millisecond)

	stats := src.Stats()
	assert.Positive(t, stats.Disconnects)
	assert.EqualValues(t, stats.Disconnects, metrics.Snapshot().Resyncs)
	assert.EqualValues(t, int64(stats.Disconnects)+1, inner.dials.Load())
}
