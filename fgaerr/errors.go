// Package fgaerr carries the error taxonomy of the check/write/delete
// request pipeline across component boundaries (channel, dispatch,
// transport). Cache operations never use this package — a failed lookup or
// store degrades to a miss or no-op, per the propagation policy.
package fgaerr

import (
	"errors"
	"fmt"
)

// Code identifies which branch of the taxonomy an error belongs to.
type Code int

const (
	// Unknown is the zero value; never returned, only used as a guard.
	Unknown Code = iota
	// QueueFull means the ring queue had no room for another slot index.
	QueueFull
	// NoFreeSlot means the slot pool's free list was empty.
	NoFreeSlot
	// Cancelled means the producer's wait was interrupted before the
	// consumer produced a response.
	Cancelled
	// ClientError means the request was malformed and was rejected before
	// dispatch (e.g. a required field was empty).
	ClientError
	// TransportError means the deadline expired, the channel was
	// unavailable, or serialization failed, after retries were exhausted.
	TransportError
	// ServerError means the remote returned a non-OK status that isn't
	// retryable.
	ServerError
	// Fatal means a shared-state invariant was violated; the caller should
	// treat this as a host-level error ending the operation.
	Fatal
)

func (c Code) String() string {
	switch c {
	case QueueFull:
		return "QueueFull"
	case NoFreeSlot:
		return "NoFreeSlot"
	case Cancelled:
		return "Cancelled"
	case ClientError:
		return "ClientError"
	case TransportError:
		return "TransportError"
	case ServerError:
		return "ServerError"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is an error annotated with a Code, so callers can branch on the
// taxonomy without string-matching.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error wrapping msg under code.
func New(code Code, msg string) error {
	return &Error{Code: code, Err: errors.New(msg)}
}

// Wrap annotates err with code. Returns nil if err is nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the Code from err, or Unknown if err is nil or not one of
// ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

var (
	// ErrQueueFull is returned by channel.Channel.Submit when the ring is
	// at capacity-1 active entries.
	ErrQueueFull = New(QueueFull, "ring queue is full")
	// ErrNoFreeSlot is returned by channel.Channel.Submit when
	// slot.Pool.Acquire finds the free list empty.
	ErrNoFreeSlot = New(NoFreeSlot, "slot pool exhausted")
	// ErrCancelled is returned when a producer's wait is interrupted.
	ErrCancelled = New(Cancelled, "request cancelled")
)
