// Package apperr holds the error taxonomy shared by the real-time components.
package apperr

import "errors"

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrUnreachable = errors.New("peer unreachable")
	ErrStaleSignal = errors.New("stale signal")
	ErrProtocol    = errors.New("protocol error")
	ErrQueueFull   = errors.New("queue full")
)

// Code maps an error onto the code sent in an outbound error event.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrStaleSignal):
		return "stale"
	default:
		return "internal"
	}
}

// Silent reports whether the error is expected under races and must not reach the client.
func Silent(err error) bool {
	return errors.Is(err, ErrStaleSignal)
}
