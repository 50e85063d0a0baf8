package main

import (
	"context"
	"flag"
	"log"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"watchsync/internal/app"
	"watchsync/internal/chaos"
	"watchsync/internal/config"
	"watchsync/internal/view"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config")
	migrate := flag.Bool("migrate", false, "Create or update tables before starting")
	filter := flag.String("filter", "", "Ticker prefix of the mirrored watchlist")
	chaosRate := flag.Float64("chaos", 0, "Break the listen connection at this rate per message and fail redials at half of it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *chaosRate > 0 {
		c := chaos.Config{DisconnectRate: *chaosRate, DialFailRate: *chaosRate / 2}
		if cfg.Chaos != nil {
			c.Seed = cfg.Chaos.Seed
			c.DropRate = cfg.Chaos.DropRate
			c.DuplicateRate = cfg.Chaos.DuplicateRate
		}
		if err := c.Validate(); err != nil {
			log.Fatalf("invalid -chaos: %v", err)
		}
		cfg.Chaos = &c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, *migrate, *filter); err != nil {
		log.Fatalf("watchd failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Loaded, migrate bool, filter string) error {
	a, err := app.New(ctx, "watchd", cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := a.Repo.Migrate(ctx); err != nil {
			return err
		}
	}

	// headless mirror of the watchlist, kept current from the owner loop
	mirror := view.NewWatchlist(a.Bridge, a.Repo)
	mirror.OnChange = func() {
		logs.Infof("watchlist mirror: %d rows", len(mirror.Rows()))
	}
	binding, err := view.Bind(a.Notifier, mirror, cfg.Channels...)
	if err != nil {
		return err
	}
	defer binding.Close()

	owner := a.Bridge.Owner()
	if err := owner.Post(func() { mirror.Refresh(filter) }); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		owner.Run(ctx)
	}()

	logs.Infof("watchd started, backend %s, channels %v", cfg.Backend, cfg.Channels)
	err = a.Run(ctx)
	<-done
	return err
}
