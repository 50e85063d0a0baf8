package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"watchsync/pkg/exception"
)

// Task is a unit of asynchronous work. It should return promptly once ctx
// is cancelled; cancellation is never forced.
type Task func(ctx context.Context) (any, error)

// Handle tracks one submitted task.
type Handle struct {
	id    string
	task  Task
	then  func(any, error)
	owner *Owner

	mu              sync.Mutex
	state           State
	result          any
	err             error
	cancel          context.CancelFunc
	cancelRequested bool
	started         time.Time

	done chan struct{}
}

func newHandle(task Task) *Handle {
	return &Handle{
		id:    uuid.NewString(),
		task:  task,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// ID returns the handle identifier.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome of a terminal task. Calling it before Done is
// closed reports the task as still running.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() {
		return nil, errors.Wrapf(exception.ErrAwaitTimeout, "task %s is %s", h.id, h.state)
	}
	return h.result, h.err
}

// start moves a pending task to running and derives its context. It returns
// false when the task was cancelled before it got a chance to run.
func (h *Handle) start(parent context.Context) (context.Context, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transitionLocked(StateRunning); err != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.started = time.Now()
	return ctx, true
}

// requestCancel cancels a pending task outright, or flags a running one.
// It reports whether the task was still pending.
func (h *Handle) requestCancel() (wasPending bool) {
	h.mu.Lock()
	switch h.state {
	case StatePending:
		_ = h.transitionLocked(StateCancelled)
		h.err = exception.ErrTaskCancelled
		h.mu.Unlock()
		h.settle()
		return true
	case StateRunning:
		h.cancelRequested = true
		if h.cancel != nil {
			h.cancel()
		}
	}
	h.mu.Unlock()
	return false
}

// finish records a terminal result. Only the first terminal transition wins.
func (h *Handle) finish(to State, result any, err error) bool {
	h.mu.Lock()
	if terr := h.transitionLocked(to); terr != nil {
		h.mu.Unlock()
		return false
	}
	h.result, h.err = result, err
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.settle()
	return true
}

func (h *Handle) settle() {
	close(h.done)
	if h.then != nil && h.owner != nil {
		result, err := h.result, h.err
		_ = h.owner.Post(func() { h.then(result, err) })
	}
}

func (h *Handle) transitionLocked(to State) error {
	if !canTransition(h.state, to) {
		return errors.Wrapf(exception.ErrInvalidTransition, "%s -> %s", h.state, to)
	}
	h.state = to
	return nil
}

func (h *Handle) elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started.IsZero() {
		return 0
	}
	return time.Since(h.started)
}

func (h *Handle) wasCancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}
