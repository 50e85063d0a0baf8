package exception

import "errors"

// Bridge errors
var (
	ErrTaskFailure       = errors.New("bridge: task failed")
	ErrTaskCancelled     = errors.New("bridge: task cancelled")
	ErrAwaitTimeout      = errors.New("bridge: await timeout")
	ErrBridgeStopped     = errors.New("bridge: stopped")
	ErrInvalidTransition = errors.New("bridge: invalid task state transition")
)
