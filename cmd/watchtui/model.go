package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"watchsync/internal/bridge"
	"watchsync/internal/derived"
	"watchsync/internal/notify"
	"watchsync/internal/store"
	"watchsync/internal/view"
)

const statusEvery = time.Second

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	helpStyle     = lipgloss.NewStyle().Faint(true)
)

// wakeMsg means the owner queue has callbacks to drain.
type wakeMsg struct{}

type refreshMsg struct {
	filter string
}

type tickMsg time.Time

// model is the owner thread of the terminal client: every owner callback
// runs inside Update.
type model struct {
	owner  *bridge.Owner
	list   *view.Watchlist
	prices *view.Prices
	state  func() notify.State

	status    notify.State
	rows      []store.WatchlistEntry
	quotes    map[string]float64
	cursor    int
	filtering bool
	input     string
}

func newModel(owner *bridge.Owner, list *view.Watchlist, prices *view.Prices, state func() notify.State) model {
	return model{owner: owner, list: list, prices: prices, state: state}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitWake(m.owner), requestRefresh(""), tick())
}

func waitWake(o *bridge.Owner) tea.Cmd {
	return func() tea.Msg {
		<-o.Wake()
		return wakeMsg{}
	}
}

func requestRefresh(filter string) tea.Cmd {
	return func() tea.Msg {
		return refreshMsg{filter: filter}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statusEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case wakeMsg:
		m.owner.Drain()
		m.rows = m.list.Rows()
		m.quotes = m.prices.Snapshot()
		if m.cursor >= len(m.rows) {
			m.cursor = max(len(m.rows)-1, 0)
		}
		return m, waitWake(m.owner)
	case refreshMsg:
		m.list.Refresh(msg.filter)
		m.prices.Refresh("")
		return m, nil
	case tickMsg:
		if m.state != nil {
			m.status = m.state()
		}
		return m, tick()
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case "r":
		return m, requestRefresh(m.list.Filter())
	case "/":
		m.filtering = true
		m.input = m.list.Filter()
	}
	return m, nil
}

func (m model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.filtering = false
	case tea.KeyEnter:
		m.filtering = false
		m.cursor = 0
		return m, requestRefresh(strings.ToUpper(strings.TrimSpace(m.input)))
	case tea.KeyBackspace:
		if n := len(m.input); n > 0 {
			m.input = m.input[:n-1]
		}
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	filter := m.list.Filter()
	if filter == "" {
		filter = "*"
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("watchsync  [%s]  filter: %s", m.status, filter)))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %-6s %10s %10s %10s %10s %7s %10s  %s", "TICKER", "SIDE", "PRICE", "ENTRY", "TARGET", "STOP", "R:R", "2R TARGET", "NEAR")))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		b.WriteString("  no entries\n")
	}
	for i, r := range m.rows {
		side := "short"
		if r.IsLong {
			side = "long"
		}
		if r.Entry != nil && r.Target != nil && r.IsLong != derived.InferLong(r.Entry, r.Target) {
			side += "*"
		}
		var price *float64
		if q, ok := m.quotes[r.Ticker]; ok {
			price = &q
		}
		line := fmt.Sprintf("%-8s %-6s %10s %10s %10s %10s %7s %10s  %s",
			r.Ticker, side,
			formatPrice(price), formatPrice(r.Entry), formatPrice(r.Target), formatPrice(r.Stop),
			formatPrice(r.RewardRiskRatio),
			formatPrice(derived.TargetForRatio(r.Entry, r.Stop, 2, r.IsLong)),
			formatProximity(derived.Proximity(price, r.Entry, r.Stop, r.Target, r.IsLong, 0)),
		)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.filtering {
		b.WriteString("filter: " + m.input + "_\n")
	} else {
		b.WriteString(helpStyle.Render("j/k move  / filter  r refresh  q quit  * side disagrees with target"))
		b.WriteString("\n")
	}
	return b.String()
}

func formatProximity(st derived.ProximityStatus) string {
	switch st.Zone {
	case derived.ZoneNone, derived.ZoneNoData:
		return "-"
	}
	return fmt.Sprintf("%s %.1f%%", st.Zone, st.Percent)
}

func formatPrice(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
