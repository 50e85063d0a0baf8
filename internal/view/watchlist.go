package view

import (
	"context"
	"sort"
	"strings"

	"github.com/yanun0323/logs"

	"watchsync/internal/bridge"
	"watchsync/internal/store"
)

// WatchlistSource loads watchlist entries from the store.
type WatchlistSource interface {
	ListWatchlist(ctx context.Context, filter string) ([]store.WatchlistEntry, error)
	Read(ctx context.Context, dst store.Entity, id string) error
}

// Watchlist is a Presenter caching watchlist rows. Loads run on the bridge
// and their results are applied on the owner thread; a load never
// overwrites a row with data requested earlier than what the row holds.
type Watchlist struct {
	bridge *bridge.Bridge
	source WatchlistSource

	// OnChange runs on the owner thread after rows changed.
	OnChange func()

	// owner thread only
	filter string
	cache  rowCache[store.WatchlistEntry]
}

func NewWatchlist(b *bridge.Bridge, source WatchlistSource) *Watchlist {
	return &Watchlist{
		bridge: b,
		source: source,
		cache:  newRowCache[store.WatchlistEntry](),
	}
}

// Refresh reloads every row whose ticker starts with filter.
func (w *Watchlist) Refresh(filter string) {
	seq := w.cache.next()
	w.filter = filter

	source := w.source
	w.bridge.SubmitThen(func(ctx context.Context) (any, error) {
		return source.ListWatchlist(ctx, filter)
	}, func(v any, err error) {
		if err != nil {
			logs.Errorf("view: refresh watchlist, err: %+v", err)
			return
		}
		w.applyList(seq, v.([]store.WatchlistEntry))
	})
}

// Invalidate reloads the row of one ticker.
func (w *Watchlist) Invalidate(ticker string) {
	seq := w.cache.next()

	source := w.source
	w.bridge.SubmitThen(func(ctx context.Context) (any, error) {
		var e store.WatchlistEntry
		if err := source.Read(ctx, &e, ticker); err != nil {
			return nil, err
		}
		return e, nil
	}, func(v any, err error) {
		switch {
		case err == nil:
			w.applyRow(seq, ticker, v.(store.WatchlistEntry), true)
		case store.IsNotFound(err):
			w.applyRow(seq, ticker, store.WatchlistEntry{}, false)
		default:
			logs.Errorf("view: reload %s, err: %+v", ticker, err)
		}
	})
}

// Rows returns the cached rows ordered by ticker.
func (w *Watchlist) Rows() []store.WatchlistEntry {
	out := make([]store.WatchlistEntry, 0, len(w.cache.rows))
	for _, e := range w.cache.rows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Filter returns the filter of the latest Refresh.
func (w *Watchlist) Filter() string {
	return w.filter
}

func (w *Watchlist) applyList(seq uint64, list []store.WatchlistEntry) {
	byTicker := make(map[string]store.WatchlistEntry, len(list))
	for _, e := range list {
		byTicker[e.Ticker] = e
	}
	if w.cache.replace(seq, byTicker) {
		w.changed()
	}
}

func (w *Watchlist) applyRow(seq uint64, ticker string, e store.WatchlistEntry, exists bool) {
	keep := exists && strings.HasPrefix(ticker, w.filter)
	if w.cache.set(seq, ticker, e, keep) {
		w.changed()
	}
}

func (w *Watchlist) changed() {
	if w.OnChange != nil {
		w.OnChange()
	}
}
