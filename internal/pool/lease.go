package pool

import (
	"sync/atomic"

	"github.com/jackc/puddle/v2"
	"github.com/yanun0323/logs"

	"watchsync/pkg/exception"
)

// Lease is the exclusive right to use one pooled connection until it is
// released or discarded.
type Lease[T any] struct {
	pool *Pool[T]
	res  *puddle.Resource[T]
	done atomic.Bool
}

// Value returns the leased connection. It must not be used after the lease
// ends.
func (l *Lease[T]) Value() T {
	return l.res.Value()
}

// Release returns the connection to the idle set. Releasing a lease twice
// returns ErrProtocolViolation.
func (l *Lease[T]) Release() error {
	if !l.done.CompareAndSwap(false, true) {
		return exception.ErrProtocolViolation
	}
	l.res.Release()
	return nil
}

// Discard closes the connection instead of reusing it. The pool dials a
// replacement lazily on a later acquire.
func (l *Lease[T]) Discard() error {
	if !l.done.CompareAndSwap(false, true) {
		return exception.ErrProtocolViolation
	}
	l.res.Destroy()
	l.pool.cfg.Metrics.IncPoolDiscarded()
	logs.Errorf("pool: discarded broken connection")
	return nil
}
