package main

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"watchsync/internal/bridge"
	"watchsync/internal/derived"
	"watchsync/internal/notify"
	"watchsync/internal/store"
	"watchsync/internal/view"
)

type staticSource struct {
	rows   []store.WatchlistEntry
	prices []store.Valuation
}

func (s staticSource) ListValuations(ctx context.Context) ([]store.Valuation, error) {
	return s.prices, nil
}

func (s staticSource) ListWatchlist(ctx context.Context, filter string) ([]store.WatchlistEntry, error) {
	return s.rows, nil
}

func (s staticSource) Read(ctx context.Context, dst store.Entity, id string) error {
	switch dst := dst.(type) {
	case *store.WatchlistEntry:
		for _, r := range s.rows {
			if r.Ticker == id {
				*dst = r
				return nil
			}
		}
	case *store.Valuation:
		for _, v := range s.prices {
			if v.Ticker == id {
				*dst = v
				return nil
			}
		}
	}
	return gorm.ErrRecordNotFound
}

func newTestModel(t *testing.T, src staticSource) (model, *bridge.Bridge) {
	t.Helper()
	b := bridge.New(bridge.Config{})
	b.Start(t.Context())
	t.Cleanup(b.Stop)
	list := view.NewWatchlist(b, src)
	prices := view.NewPrices(b, src)
	return newModel(b.Owner(), list, prices, func() notify.State { return notify.StateListening }), b
}

// drainRefresh applies a refresh and feeds owner wake-ups to the model
// until both loads have landed.
func drainRefresh(t *testing.T, m model, o *bridge.Owner, done func(model) bool) model {
	t.Helper()
	m = step(t, m, refreshMsg{})
	deadline := time.After(2 * time.Second)
	for !done(m) {
		select {
		case <-o.Wake():
			m = step(t, m, wakeMsg{})
		case <-deadline:
			t.Fatal("refresh never landed")
		}
	}
	return m
}

func step(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(model)
}

func TestModelDrainsOwnerOnWake(t *testing.T) {
	m, b := newTestModel(t, staticSource{
		rows: []store.WatchlistEntry{
			{Ticker: "NPN", Entry: derived.Float(100), Target: derived.Float(110), Stop: derived.Float(98), IsLong: true, RewardRiskRatio: derived.Float(5)},
			{Ticker: "SOL", IsLong: false},
			{Ticker: "MTN", Entry: derived.Float(100), Target: derived.Float(90), IsLong: true},
		},
		prices: []store.Valuation{{Ticker: "NPN", CurrentPrice: derived.Float(101)}},
	})

	m = drainRefresh(t, m, b.Owner(), func(m model) bool { return len(m.rows) == 3 && len(m.quotes) == 1 })

	out := m.View()
	assert.Contains(t, out, "NPN")
	assert.Contains(t, out, "101.00")
	assert.Contains(t, out, "5.00")
	assert.Contains(t, out, "104.00")
	assert.Contains(t, out, "entry 1.0%")
	assert.Contains(t, out, "short")
	assert.Contains(t, out, "long*")
}

func TestModelStatusAndCursor(t *testing.T) {
	m, _ := newTestModel(t, staticSource{})
	m.rows = []store.WatchlistEntry{{Ticker: "A"}, {Ticker: "B"}}

	m = step(t, m, tickMsg(time.Now()))
	assert.Equal(t, notify.StateListening, m.status)
	assert.Contains(t, m.View(), "LISTENING")

	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, m.cursor)
	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, m.cursor)
	m = step(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.cursor)
}

func TestModelFilterInput(t *testing.T) {
	m, _ := newTestModel(t, staticSource{})

	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	require.True(t, m.filtering)
	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("np")})
	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	m = step(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	assert.Equal(t, "np", m.input)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	assert.False(t, m.filtering)
	require.NotNil(t, cmd)
	assert.Equal(t, refreshMsg{filter: "NP"}, cmd())
}
