package view

import (
	"context"
	"maps"

	"github.com/yanun0323/logs"

	"watchsync/internal/bridge"
	"watchsync/internal/store"
)

// PriceSource loads current prices from stored valuations.
type PriceSource interface {
	ListValuations(ctx context.Context) ([]store.Valuation, error)
	Read(ctx context.Context, dst store.Entity, id string) error
}

// Prices is a Presenter caching the current price of every valued ticker.
// Tickers without a price are left out.
type Prices struct {
	bridge *bridge.Bridge
	source PriceSource

	// OnChange runs on the owner thread after prices changed.
	OnChange func()

	// owner thread only
	cache rowCache[float64]
}

func NewPrices(b *bridge.Bridge, source PriceSource) *Prices {
	return &Prices{
		bridge: b,
		source: source,
		cache:  newRowCache[float64](),
	}
}

// Refresh reloads every price. Prices are never filtered.
func (p *Prices) Refresh(string) {
	seq := p.cache.next()

	source := p.source
	p.bridge.SubmitThen(func(ctx context.Context) (any, error) {
		return source.ListValuations(ctx)
	}, func(v any, err error) {
		if err != nil {
			logs.Errorf("view: refresh prices, err: %+v", err)
			return
		}
		list := v.([]store.Valuation)
		byTicker := make(map[string]float64, len(list))
		for _, val := range list {
			if val.CurrentPrice != nil {
				byTicker[val.Ticker] = *val.CurrentPrice
			}
		}
		if p.cache.replace(seq, byTicker) {
			p.changed()
		}
	})
}

// Invalidate reloads the price of one ticker.
func (p *Prices) Invalidate(ticker string) {
	seq := p.cache.next()

	source := p.source
	p.bridge.SubmitThen(func(ctx context.Context) (any, error) {
		var val store.Valuation
		if err := source.Read(ctx, &val, ticker); err != nil {
			return nil, err
		}
		return val, nil
	}, func(v any, err error) {
		var applied bool
		switch {
		case err == nil:
			val := v.(store.Valuation)
			var price float64
			if val.CurrentPrice != nil {
				price = *val.CurrentPrice
			}
			applied = p.cache.set(seq, ticker, price, val.CurrentPrice != nil)
		case store.IsNotFound(err):
			applied = p.cache.set(seq, ticker, 0, false)
		default:
			logs.Errorf("view: reload price %s, err: %+v", ticker, err)
		}
		if applied {
			p.changed()
		}
	})
}

// Price returns the cached price of ticker, or nil when it has none.
func (p *Prices) Price(ticker string) *float64 {
	v, ok := p.cache.rows[ticker]
	if !ok {
		return nil
	}
	return &v
}

// Snapshot copies the cached prices.
func (p *Prices) Snapshot() map[string]float64 {
	return maps.Clone(p.cache.rows)
}

func (p *Prices) changed() {
	if p.OnChange != nil {
		p.OnChange()
	}
}
