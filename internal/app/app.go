// Package app wires the pool, store, notifier and bridge shared by the
// daemon and the terminal client.
package app

import (
	"context"

	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"watchsync/internal/bridge"
	"watchsync/internal/chaos"
	"watchsync/internal/config"
	"watchsync/internal/notify"
	"watchsync/internal/obs"
	"watchsync/internal/pool"
	"watchsync/internal/store"
	"watchsync/pkg/conn"
)

// App is one process worth of core components.
type App struct {
	Config   config.Loaded
	Metrics  *obs.Metrics
	Sessions *pool.Pool[*conn.Session]
	Repo     *store.Repository
	Bridge   *bridge.Bridge
	Notifier *notify.Notifier

	cron     *cron.Cron
	redis    *redis.Client
	profiler *pyroscope.Profiler
}

// New builds every component. Pool warm-up failures are returned so that a
// bad database config stops the process at startup.
func New(ctx context.Context, name string, cfg config.Loaded) (*App, error) {
	a := &App{Config: cfg, Metrics: obs.NewMetrics()}

	if cfg.PyroscopeAddr != "" {
		profiler, err := startProfiler(name, cfg.PyroscopeAddr)
		if err != nil {
			return nil, err
		}
		a.profiler = profiler
	}

	cfg.Pool.Metrics = a.Metrics
	sessions, err := pool.New[*conn.Session](ctx, cfg.Pool, conn.SessionDialer{Option: cfg.Database})
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "start connection pool")
	}
	a.Sessions = sessions

	var (
		signaler store.Signaler
		source   notify.Source
	)
	switch cfg.Backend {
	case config.BackendRedis:
		a.redis = redis.NewClient(cfg.Redis.Options())
		signaler = store.RedisSignaler{Client: a.redis}
		source = notify.RedisSource{Options: cfg.Redis.Options()}
	default:
		signaler = store.PostgresSignaler{}
		source = notify.PostgresSource{Option: cfg.Database}
	}

	if cfg.Chaos != nil {
		wrapped, err := chaos.NewSource(source, *cfg.Chaos)
		if err != nil {
			a.Close()
			return nil, err
		}
		logs.Infof("notify: chaos enabled, config: %+v", *cfg.Chaos)
		source = wrapped
	}

	if a.Repo, err = store.NewRepository(sessions, signaler); err != nil {
		a.Close()
		return nil, err
	}

	cfg.Bridge.Metrics = a.Metrics
	a.Bridge = bridge.New(cfg.Bridge)

	a.Notifier, err = notify.New(notify.Config{
		Source:  source,
		Owner:   a.Bridge.Owner(),
		Backoff: cfg.Backoff,
		Metrics: a.Metrics,
		OnStateChange: func(from, to notify.State) {
			logs.Infof("notify: %s -> %s", from, to)
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cfg.MaintainEvery, a.maintain); err != nil {
		a.Close()
		return nil, errors.Wrapf(err, "schedule pool maintenance %q", cfg.MaintainEvery)
	}
	return a, nil
}

// Run starts the bridge, the notifier and pool maintenance, and blocks
// until ctx is done. The owner loop is left to the caller.
func (a *App) Run(ctx context.Context) error {
	a.cron.Start()
	defer a.cron.Stop()

	a.Bridge.Start(ctx)
	defer a.Bridge.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Notifier.Run(gctx)
	})
	err := g.Wait()
	a.Notifier.Stop()
	return err
}

// Close releases every resource and logs the final metrics.
func (a *App) Close() {
	if a.Notifier != nil {
		a.Notifier.Stop()
	}
	if a.Bridge != nil {
		a.Bridge.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.profiler != nil {
		_ = a.profiler.Stop()
	}
	logMetrics(a.Metrics.Snapshot())
}

func (a *App) maintain() {
	if err := a.Sessions.Maintain(context.Background()); err != nil {
		logs.Errorf("pool: maintain, err: %+v", err)
	}
	stat := a.Sessions.Stat()
	logs.Infof("pool: total %d, idle %d, leased %d, min %d, max %d", stat.Total, stat.Idle, stat.Leased, stat.Min, stat.Max)
}

func logMetrics(s obs.Snapshot) {
	logs.Infof("metrics: acquire avg %s max %s (%d), exhausted %d, discarded %d",
		s.AcquireLatency.Avg, s.AcquireLatency.Max, s.AcquireLatency.Count, s.PoolExhausted, s.PoolDiscarded)
	logs.Infof("metrics: reconnects %d, resyncs %d, malformed %d, delivered %d",
		s.Reconnects, s.Resyncs, s.Malformed, s.Delivered)
	logs.Infof("metrics: tasks completed %d, failed %d, cancelled %d, avg %s",
		s.TasksCompleted, s.TasksFailed, s.TasksCancelled, s.TaskLatency.Avg)
}

func startProfiler(name, addr string) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof("pyroscope: "+format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{})         {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf("pyroscope: "+format, args...) }
