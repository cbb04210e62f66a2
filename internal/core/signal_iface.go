package core

import "errors"

// Frame is a raw JSON payload queued for one connection.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking. It returns ErrClosed or ErrBackpressure
	// when the frame cannot be queued.
	TrySend(f Frame) error
	Close()
}
