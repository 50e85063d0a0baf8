// Package bridge runs asynchronous work on one scheduler and hands results
// back to blocking callers or to a single owner thread.
package bridge

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/semaphore"

	"watchsync/internal/obs"
	"watchsync/pkg/exception"
)

const DefaultMaxConcurrent = 64

// Config controls the scheduler.
type Config struct {
	// MaxConcurrent bounds the tasks running at once. Further tasks stay
	// pending in submission order.
	MaxConcurrent int64
	Metrics       *obs.Metrics
}

// Bridge is the single scheduler of a process.
type Bridge struct {
	cfg   Config
	owner *Owner
	sem   *semaphore.Weighted

	mu      sync.Mutex
	pending []*Handle
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	stopped atomic.Bool
	loop    sync.WaitGroup
	running sync.WaitGroup
}

// New creates a bridge with its own owner queue. Tasks submitted before
// Start wait until it is called.
func New(cfg Config) *Bridge {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		owner:  NewOwner(),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Owner returns the owner-thread queue fed by this bridge.
func (b *Bridge) Owner() *Owner {
	return b.owner
}

// Start launches the scheduler. Calling it again has no effect. Stopping
// ctx stops the bridge.
func (b *Bridge) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.loop.Add(1)
	go func() {
		defer b.loop.Done()
		b.schedule()
	}()
	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-b.ctx.Done():
		}
	}()
}

// Stop cancels every pending and running task, waits for running tasks to
// return and closes the owner queue.
func (b *Bridge) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.loop.Wait()

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, h := range pending {
		h.requestCancel()
	}

	b.running.Wait()
	b.owner.Close()
	logs.Infof("bridge stopped")
}

// Submit queues task and returns at once.
func (b *Bridge) Submit(task Task) *Handle {
	return b.submit(task, nil)
}

// SubmitThen runs task and posts callback with its outcome to the owner
// queue, whatever the terminal state.
func (b *Bridge) SubmitThen(task Task, callback func(any, error)) *Handle {
	return b.submit(task, callback)
}

// PostToOwner hands cb to the owner thread without blocking.
func (b *Bridge) PostToOwner(cb func()) error {
	return b.owner.Post(cb)
}

func (b *Bridge) submit(task Task, then func(any, error)) *Handle {
	h := newHandle(task)
	h.then = then
	h.owner = b.owner

	if task == nil {
		h.finish(StateFailed, nil, exception.ErrNilHandler)
		return h
	}

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		h.finish(StateFailed, nil, exception.ErrBridgeStopped)
		return h
	}
	b.pending = append(b.pending, h)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return h
}

// Await blocks until h is terminal or timeout elapses. A timeout of zero or
// less waits indefinitely. On timeout the task keeps running.
func (b *Bridge) Await(h *Handle, timeout time.Duration) (any, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.AwaitContext(ctx, h)
}

// AwaitContext is Await bounded by ctx instead of a timeout.
func (b *Bridge) AwaitContext(ctx context.Context, h *Handle) (any, error) {
	if h == nil {
		return nil, exception.ErrNilInstance
	}
	select {
	case <-h.Done():
		return h.Result()
	case <-ctx.Done():
		return nil, errors.Wrapf(exception.ErrAwaitTimeout, "task %s is %s", h.ID(), h.State())
	}
}

// Cancel requests cancellation. A pending task never starts; a running task
// sees its context cancelled and decides for itself when to stop.
func (b *Bridge) Cancel(h *Handle) {
	if h == nil {
		return
	}
	if h.requestCancel() {
		b.cfg.Metrics.IncTaskCancelled()
	}
}

// Call submits fn and blocks the caller until it finishes, the timeout
// elapses or ctx is done. On timeout fn keeps running detached.
func Call[T any](ctx context.Context, b *Bridge, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	h := b.Submit(func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := b.AwaitContext(ctx, h)
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (b *Bridge) schedule() {
	for {
		h, ok := b.next()
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-b.signal:
				continue
			}
		}

		if h.State() != StatePending {
			continue
		}
		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			b.requeue(h)
			return
		}

		ctx, ok := h.start(b.ctx)
		if !ok {
			b.sem.Release(1)
			continue
		}

		b.running.Add(1)
		go b.run(ctx, h)
	}
}

func (b *Bridge) next() (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, false
	}
	h := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	return h, true
}

func (b *Bridge) requeue(h *Handle) {
	b.mu.Lock()
	b.pending = append([]*Handle{h}, b.pending...)
	b.mu.Unlock()
}

func (b *Bridge) run(ctx context.Context, h *Handle) {
	defer b.running.Done()
	defer b.sem.Release(1)

	result, err := b.invoke(ctx, h)
	elapsed := h.elapsed()

	switch {
	case err == nil:
		h.finish(StateCompleted, result, nil)
		b.cfg.Metrics.ObserveTask(elapsed, false)
	case h.wasCancelRequested() && stderrors.Is(err, context.Canceled):
		h.finish(StateCancelled, nil, exception.ErrTaskCancelled)
		b.cfg.Metrics.IncTaskCancelled()
	case ctx.Err() != nil && b.ctx.Err() != nil && stderrors.Is(err, context.Canceled):
		h.finish(StateCancelled, nil, exception.ErrTaskCancelled)
		b.cfg.Metrics.IncTaskCancelled()
	default:
		h.finish(StateFailed, nil, err)
		b.cfg.Metrics.ObserveTask(elapsed, true)
		logs.Errorf("bridge: task %s failed, err: %+v", h.ID(), err)
	}
}

func (b *Bridge) invoke(ctx context.Context, h *Handle) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Wrapf(exception.ErrTaskFailure, "panic: %v", r)
		}
	}()
	return h.task(ctx)
}
