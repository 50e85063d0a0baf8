// Package pool hands out exclusive leases on a bounded set of reusable
// connections to the shared store.
package pool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"watchsync/internal/obs"
	"watchsync/pkg/exception"
)

const (
	DefaultMinSize        = 2
	DefaultMaxSize        = 10
	DefaultAcquireTimeout = 5 * time.Second
)

// Dialer creates and tears down pooled connections.
type Dialer[T any] interface {
	Dial(ctx context.Context) (T, error)
	Close(conn T)
	// IsBroken reports whether an error returned while using a connection
	// means the connection must be discarded.
	IsBroken(err error) bool
}

// Config bounds the pool.
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	Metrics        *obs.Metrics
}

func (cfg Config) normalize() (Config, error) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxSize < 1 {
		return cfg, errors.Wrapf(exception.ErrInvalidConfig, "max size %d < 1", cfg.MaxSize)
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return cfg, errors.Wrapf(exception.ErrInvalidConfig, "min size %d out of [0, %d]", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return cfg, nil
}

// Stat is a point-in-time view of the pool.
type Stat struct {
	Total  int
	Idle   int
	Leased int
	Min    int
	Max    int
}

// Pool is a bounded connection pool. Construct one per process and close it
// on shutdown.
type Pool[T any] struct {
	cfg    Config
	dialer Dialer[T]
	res    *puddle.Pool[T]
	closed atomic.Bool
}

// New builds the pool and eagerly dials MinSize connections. A dial failure
// here is returned so that bad credentials or an unreachable host fail at
// startup instead of on first use.
func New[T any](ctx context.Context, cfg Config, dialer Dialer[T]) (*Pool[T], error) {
	if dialer == nil {
		return nil, exception.ErrNilInstance
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	res, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: dialer.Dial,
		Destructor:  dialer.Close,
		MaxSize:     int32(cfg.MaxSize),
	})
	if err != nil {
		return nil, errors.Wrap(err, "new resource pool")
	}

	p := &Pool[T]{cfg: cfg, dialer: dialer, res: res}
	if err := p.Maintain(ctx); err != nil {
		res.Close()
		return nil, errors.Wrap(err, "warm up pool")
	}
	return p, nil
}

// Acquire blocks until a connection is free, the configured acquire timeout
// elapses, or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	return p.AcquireTimeout(ctx, p.cfg.AcquireTimeout)
}

// AcquireTimeout is Acquire with an explicit timeout. A timed out acquire
// returns ErrPoolExhausted and does not hold a slot.
func (p *Pool[T]) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	if p.closed.Load() {
		return nil, exception.ErrPoolClosed
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := p.res.Acquire(actx)
	if err != nil {
		switch {
		case stderrors.Is(err, puddle.ErrClosedPool):
			return nil, exception.ErrPoolClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case stderrors.Is(err, context.DeadlineExceeded):
			p.cfg.Metrics.IncPoolExhausted()
			return nil, errors.Wrapf(exception.ErrPoolExhausted, "no connection within %s", timeout)
		default:
			return nil, errors.Wrap(err, "dial connection")
		}
	}

	p.cfg.Metrics.ObserveAcquire(time.Since(start))
	return &Lease[T]{pool: p, res: r}, nil
}

// WithLease acquires a connection, runs fn with it and gives the connection
// back on every exit path. A connection is discarded when fn reports an error
// the dialer classifies as broken, or when fn panics.
func (p *Pool[T]) WithLease(ctx context.Context, fn func(ctx context.Context, conn T) error) (err error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = lease.Discard()
			panic(r)
		}
		if err != nil && p.dialer.IsBroken(err) {
			_ = lease.Discard()
			return
		}
		_ = lease.Release()
	}()

	return fn(ctx, lease.Value())
}

// Maintain dials idle connections until the pool holds at least MinSize.
func (p *Pool[T]) Maintain(ctx context.Context) error {
	if p.closed.Load() {
		return exception.ErrPoolClosed
	}
	for int(p.res.Stat().TotalResources()) < p.cfg.MinSize {
		if err := p.res.CreateResource(ctx); err != nil {
			if stderrors.Is(err, puddle.ErrNotAvailable) {
				return nil
			}
			if stderrors.Is(err, puddle.ErrClosedPool) {
				return exception.ErrPoolClosed
			}
			return err
		}
	}
	return nil
}

// Stat returns the current pool occupancy.
func (p *Pool[T]) Stat() Stat {
	s := p.res.Stat()
	return Stat{
		Total:  int(s.TotalResources()),
		Idle:   int(s.IdleResources()),
		Leased: int(s.AcquiredResources()),
		Min:    p.cfg.MinSize,
		Max:    int(s.MaxResources()),
	}
}

// Close closes every pooled connection. It blocks until outstanding leases
// have been released.
func (p *Pool[T]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.res.Close()
	logs.Infof("pool closed")
}
