package view

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"watchsync/internal/bridge"
	"watchsync/internal/derived"
	"watchsync/internal/notify"
	"watchsync/internal/store"
)

type chanSource struct {
	msgs chan notify.Notification
}

func (s chanSource) Dial(ctx context.Context) (notify.Conn, error) {
	return chanConn(s), nil
}

type chanConn struct {
	msgs chan notify.Notification
}

func (c chanConn) Listen(ctx context.Context, channel string) error   { return nil }
func (c chanConn) Unlisten(ctx context.Context, channel string) error { return nil }
func (c chanConn) Close() error                                       { return nil }

func (c chanConn) Receive(ctx context.Context) (notify.Notification, error) {
	select {
	case <-ctx.Done():
		return notify.Notification{}, ctx.Err()
	case msg := <-c.msgs:
		return msg, nil
	}
}

type recordingPresenter struct {
	calls []string
}

func (p *recordingPresenter) Refresh(filter string) {
	p.calls = append(p.calls, "refresh:"+filter)
}

func (p *recordingPresenter) Invalidate(entityID string) {
	p.calls = append(p.calls, "invalidate:"+entityID)
}

func drainUntil(t *testing.T, o *bridge.Owner, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		select {
		case <-o.Wake():
			o.Drain()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBindRoutesEventsOnOwner(t *testing.T) {
	msgs := make(chan notify.Notification, 4)
	owner := bridge.NewOwner()
	n, err := notify.New(notify.Config{Source: chanSource{msgs: msgs}, Owner: owner})
	require.NoError(t, err)

	p := &recordingPresenter{}
	binding, err := Bind(n, p)
	require.NoError(t, err)
	defer binding.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	payload, err := notify.EncodeEntityChanged(store.EntityWatchlist, "NPN", nil)
	require.NoError(t, err)
	msgs <- notify.Notification{Channel: notify.ChannelEntityChanged, Payload: payload}
	msgs <- notify.Notification{Channel: notify.ChannelCollectionChanged, Payload: store.EntityWatchlist}

	drainUntil(t, owner, func() bool { return len(p.calls) == 2 })
	assert.Equal(t, []string{"invalidate:NPN", "refresh:"}, p.calls)
}

func TestApplyResyncRefreshes(t *testing.T) {
	p := &recordingPresenter{}
	apply(p, notify.ChangeEvent{Channel: notify.ChannelEntityChanged, Resync: true})
	apply(p, notify.ChangeEvent{Channel: "prices", Payload: "x"})
	assert.Equal(t, []string{"refresh:", "refresh:"}, p.calls)
}

func TestBindRequiresOwner(t *testing.T) {
	n, err := notify.New(notify.Config{Source: chanSource{msgs: make(chan notify.Notification)}})
	require.NoError(t, err)
	_, err = Bind(n, &recordingPresenter{})
	require.Error(t, err)
}

type memSource struct {
	mu      sync.Mutex
	rows    map[string]store.WatchlistEntry
	gate    chan struct{}
	entered chan struct{}
}

func newMemSource(rows ...store.WatchlistEntry) *memSource {
	s := &memSource{rows: make(map[string]store.WatchlistEntry)}
	for _, r := range rows {
		s.rows[r.Ticker] = r
	}
	return s
}

func (s *memSource) put(e store.WatchlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[e.Ticker] = e
}

func (s *memSource) remove(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, ticker)
}

func (s *memSource) ListWatchlist(ctx context.Context, filter string) ([]store.WatchlistEntry, error) {
	s.mu.Lock()
	var out []store.WatchlistEntry
	for _, r := range s.rows {
		if strings.HasPrefix(r.Ticker, filter) {
			out = append(out, r)
		}
	}
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (s *memSource) Read(ctx context.Context, dst store.Entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*(dst.(*store.WatchlistEntry)) = r
	return nil
}

func startBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b := bridge.New(bridge.Config{})
	b.Start(t.Context())
	t.Cleanup(b.Stop)
	return b
}

func tickers(rows []store.WatchlistEntry) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Ticker)
	}
	return out
}

func TestWatchlistRefreshAndInvalidate(t *testing.T) {
	b := startBridge(t)
	src := newMemSource(
		store.WatchlistEntry{Ticker: "SOL", IsLong: true},
		store.WatchlistEntry{Ticker: "AGL", IsLong: true},
	)
	w := NewWatchlist(b, src)
	changes := 0
	w.OnChange = func() { changes++ }

	w.Refresh("")
	drainUntil(t, b.Owner(), func() bool { return changes == 1 })
	assert.Equal(t, []string{"AGL", "SOL"}, tickers(w.Rows()))

	src.put(store.WatchlistEntry{Ticker: "SOL", Entry: derived.Float(100), IsLong: true})
	w.Invalidate("SOL")
	drainUntil(t, b.Owner(), func() bool { return changes == 2 })
	rows := w.Rows()
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].Entry)
	assert.Equal(t, 100.0, *rows[1].Entry)

	src.remove("AGL")
	w.Invalidate("AGL")
	drainUntil(t, b.Owner(), func() bool { return changes == 3 })
	assert.Equal(t, []string{"SOL"}, tickers(w.Rows()))
}

func TestWatchlistStaleRefreshKeepsNewerRow(t *testing.T) {
	b := startBridge(t)
	src := newMemSource(store.WatchlistEntry{Ticker: "MTN", Entry: derived.Float(1), IsLong: true})
	src.gate = make(chan struct{})
	src.entered = make(chan struct{})
	w := NewWatchlist(b, src)
	changes := 0
	w.OnChange = func() { changes++ }

	w.Refresh("")
	<-src.entered

	src.put(store.WatchlistEntry{Ticker: "MTN", Entry: derived.Float(2), IsLong: true})
	w.Invalidate("MTN")
	drainUntil(t, b.Owner(), func() bool { return changes == 1 })

	close(src.gate)
	drainUntil(t, b.Owner(), func() bool { return changes == 2 })

	rows := w.Rows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Entry)
	assert.Equal(t, 2.0, *rows[0].Entry)
}

func TestWatchlistInvalidateOutsideFilter(t *testing.T) {
	b := startBridge(t)
	src := newMemSource(store.WatchlistEntry{Ticker: "AGL", IsLong: true})
	w := NewWatchlist(b, src)
	changes := 0
	w.OnChange = func() { changes++ }

	w.Refresh("B")
	drainUntil(t, b.Owner(), func() bool { return changes == 1 })
	assert.Equal(t, "B", w.Filter())

	w.Invalidate("AGL")
	drainUntil(t, b.Owner(), func() bool { return changes == 2 })
	assert.Empty(t, w.Rows())
}

type filteredPresenter struct {
	recordingPresenter
	filter string
}

func (p *filteredPresenter) Filter() string {
	return p.filter
}

func TestApplyKeepsPresenterFilter(t *testing.T) {
	p := &filteredPresenter{filter: "NP"}
	apply(p, notify.ChangeEvent{Channel: notify.ChannelCollectionChanged, Payload: store.EntityWatchlist})
	assert.Equal(t, []string{"refresh:NP"}, p.calls)
}

type memPrices struct {
	mu   sync.Mutex
	vals map[string]store.Valuation
}

func (s *memPrices) put(v store.Valuation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[v.Ticker] = v
}

func (s *memPrices) ListValuations(ctx context.Context) ([]store.Valuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Valuation, 0, len(s.vals))
	for _, v := range s.vals {
		out = append(out, v)
	}
	return out, nil
}

func (s *memPrices) Read(ctx context.Context, dst store.Entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*(dst.(*store.Valuation)) = v
	return nil
}

func TestPricesRefreshAndInvalidate(t *testing.T) {
	b := startBridge(t)
	src := &memPrices{vals: map[string]store.Valuation{
		"NPN": {Ticker: "NPN", CurrentPrice: derived.Float(3100)},
		"SOL": {Ticker: "SOL"},
	}}
	p := NewPrices(b, src)
	changes := 0
	p.OnChange = func() { changes++ }

	p.Refresh("ignored")
	drainUntil(t, b.Owner(), func() bool { return changes == 1 })
	require.NotNil(t, p.Price("NPN"))
	assert.Equal(t, 3100.0, *p.Price("NPN"))
	assert.Nil(t, p.Price("SOL"))

	src.put(store.Valuation{Ticker: "SOL", CurrentPrice: derived.Float(120)})
	p.Invalidate("SOL")
	drainUntil(t, b.Owner(), func() bool { return changes == 2 })
	assert.Equal(t, map[string]float64{"NPN": 3100, "SOL": 120}, p.Snapshot())

	p.Invalidate("MTN")
	drainUntil(t, b.Owner(), func() bool { return changes == 3 })
	assert.Len(t, p.Snapshot(), 2)
}

func TestRowCacheIgnoresStaleLoads(t *testing.T) {
	c := newRowCache[int]()
	list := c.next()
	row := c.next()

	require.True(t, c.set(row, "A", 2, true))
	require.True(t, c.replace(list, map[string]int{"A": 1, "B": 1}))
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, c.rows)

	older := c.next()
	newer := c.next()
	require.True(t, c.replace(newer, map[string]int{}))
	assert.False(t, c.replace(older, map[string]int{"C": 1}))
	assert.Empty(t, c.rows)
	assert.False(t, c.set(older, "A", 3, true))
}
