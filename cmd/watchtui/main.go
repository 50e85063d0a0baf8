package main

import (
	"context"
	"flag"
	"log"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"watchsync/internal/app"
	"watchsync/internal/config"
	"watchsync/internal/view"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, "watchtui", cfg)
	if err != nil {
		log.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	list := view.NewWatchlist(a.Bridge, a.Repo)
	binding, err := view.Bind(a.Notifier, list, cfg.Channels...)
	if err != nil {
		log.Fatalf("bind watchlist failed: %v", err)
	}
	defer binding.Close()

	prices := view.NewPrices(a.Bridge, a.Repo)
	priceBinding, err := view.Bind(a.Notifier, prices, cfg.Channels...)
	if err != nil {
		log.Fatalf("bind prices failed: %v", err)
	}
	defer priceBinding.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
	}()

	p := tea.NewProgram(newModel(a.Bridge.Owner(), list, prices, a.Notifier.State), tea.WithAltScreen())
	go func() {
		select {
		case <-sys.Shutdown():
			p.Quit()
		case <-ctx.Done():
		}
	}()

	if _, err := p.Run(); err != nil {
		logs.Errorf("watchtui: %+v", err)
	}
	cancel()
	if err := <-runErr; err != nil {
		logs.Errorf("watchtui: core stopped, err: %+v", err)
	}
}
