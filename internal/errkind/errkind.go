// Package errkind tags errors with the delivery-affecting categories the
// services agree on, so retry and routing decisions never depend on string
// matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the failure category attached to an error.
type Kind string

const (
	// Connection covers transport and socket failures. Retryable.
	Connection Kind = "connection"
	// AuthExpired marks a credential that can be refreshed. Retryable after refresh.
	AuthExpired Kind = "auth_expired"
	// Authentication marks a terminal credential failure. Not retryable.
	Authentication Kind = "authentication"
	// Validation marks malformed input. Not retryable.
	Validation Kind = "validation"
	// RateLimited marks a send rejected by a rate window. Not retried to
	// avoid hammering the limiter.
	RateLimited Kind = "rate_limited"
	// Transient covers everything expected to clear on its own. Retryable.
	Transient Kind = "transient"
	// Overflow marks a bounded queue rejecting work. Not retryable.
	Overflow Kind = "queue_overflow"
)

// Error pairs a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf builds a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Wrapping nil returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Of returns the kind attached to err, walking the wrap chain. Untagged
// errors are Transient: unknown failures default to retry-with-budget
// rather than silent drop.
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Transient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// Retryable reports whether a delivery tagged with this kind should be
// retried by the caller's backoff loop.
func Retryable(kind Kind) bool {
	switch kind {
	case Connection, AuthExpired, Transient:
		return true
	default:
		return false
	}
}
