package sheets

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed classification of backing-store failures.
// The gateway switches on Kind, never on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindConnReset
	KindTimeout
	KindNotFound
	KindInvalid
	KindUnavailable
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindConnReset:
		return "conn_reset"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindUnavailable:
		return "unavailable"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error wraps a backing-store failure with its operation and kind.
type Error struct {
	Op        Op
	Worksheet string
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sheets %s %s: %s: %v", e.Op, e.Worksheet, e.Kind, e.Err)
	}
	return fmt.Sprintf("sheets %s %s: %s", e.Op, e.Worksheet, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified store error.
func NewError(op Op, worksheet string, kind Kind, err error) *Error {
	return &Error{Op: op, Worksheet: worksheet, Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err. Deadline expiry classifies
// as a timeout; cancellation means the caller gave up, not that the
// store failed, so it gets its own non-retryable kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether a failure is transient: the quota was hit, the
// connection dropped, or the request timed out. Everything else surfaces
// immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindConnReset, KindTimeout:
		return true
	default:
		return false
	}
}
