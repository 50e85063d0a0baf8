package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/yanun0323/logs"

	"watchsync/pkg/exception"
)

// Owner is the hand-off queue into the single owner thread. Any goroutine
// may post; only the owner loop drains. Callbacks run in the order they
// were posted.
type Owner struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

// NewOwner allocates an empty owner queue.
func NewOwner() *Owner {
	return &Owner{wake: make(chan struct{}, 1)}
}

// Post enqueues cb for the owner thread. It never blocks.
func (o *Owner) Post(cb func()) error {
	if cb == nil {
		return exception.ErrNilHandler
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return exception.ErrBridgeStopped
	}
	o.queue = append(o.queue, cb)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake receives a value whenever callbacks may be waiting. Owner loops
// select on it and call Drain.
func (o *Owner) Wake() <-chan struct{} {
	return o.wake
}

// Pending returns the number of queued callbacks.
func (o *Owner) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Drain runs every callback queued so far and returns how many ran.
// Callbacks posted while draining wait for the next call. It must only be
// called from the owner thread.
func (o *Owner) Drain() int {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, cb := range batch {
		o.invoke(cb)
	}
	return len(batch)
}

// Run is a headless owner loop. It drains until ctx is done, then drains
// once more so nothing posted before shutdown is lost.
func (o *Owner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.Drain()
			return
		case <-o.wake:
			o.Drain()
		}
	}
}

// Close rejects further posts. Already queued callbacks still drain.
func (o *Owner) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *Owner) invoke(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("owner callback panic: %s", fmt.Sprint(r))
		}
	}()
	cb()
}
