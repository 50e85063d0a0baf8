package exception

import "errors"

// Pool errors
var (
	// ErrPoolExhausted is returned when no connection frees up within the acquire timeout.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrPoolClosed is returned by acquires issued after the pool was closed.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrProtocolViolation is returned when a lease is released or discarded twice.
	ErrProtocolViolation = errors.New("pool: lease protocol violation")
)

// Notifier errors
var (
	ErrConnectionLost   = errors.New("notify: connection lost")
	ErrMalformedPayload = errors.New("notify: malformed payload")
	ErrNotifierStopped  = errors.New("notify: stopped")
	ErrEmptyChannel     = errors.New("notify: empty channel name")
	ErrNilHandler       = errors.New("nil handler")
)
