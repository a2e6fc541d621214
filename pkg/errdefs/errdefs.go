package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and exit-code decisions.
type Kind string

const (
	// KindInvalidInput marks caller-correctable errors: missing fields, bad
	// enums, schema violations, dependency cycles, size limits.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound marks lookups of unknown task, channel or subscription ids.
	KindNotFound Kind = "not_found"
	// KindConflictState marks operations illegal in the current state.
	KindConflictState Kind = "conflict_state"
	// KindCircuitOpen marks calls rejected by an open circuit breaker.
	KindCircuitOpen Kind = "circuit_open"
	// KindCapacityExceeded marks full queues and concurrency caps.
	KindCapacityExceeded Kind = "capacity_exceeded"
	// KindTimeout marks task, delivery, ack and acquire timeouts.
	KindTimeout Kind = "timeout"
	// KindDeliveryFailure marks transport-level failures. Fatal only for
	// exactly-once reliability.
	KindDeliveryFailure Kind = "delivery_failure"
	// KindInternal marks invariant violations. Always logged with context.
	KindInternal Kind = "internal"
)

// Error is a kinded error with an optional cause chain.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidInput creates a caller-correctable error.
func InvalidInput(format string, args ...any) error {
	return newf(KindInvalidInput, format, args...)
}

// NotFound creates an unknown-id error.
func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

// ConflictState creates an illegal-in-current-state error.
func ConflictState(format string, args ...any) error {
	return newf(KindConflictState, format, args...)
}

// CircuitOpen creates a fenced-collaborator error.
func CircuitOpen(format string, args ...any) error {
	return newf(KindCircuitOpen, format, args...)
}

// CapacityExceeded creates a full-queue or concurrency-cap error.
func CapacityExceeded(format string, args ...any) error {
	return newf(KindCapacityExceeded, format, args...)
}

// Timeout creates a typed timeout error.
func Timeout(format string, args ...any) error {
	return newf(KindTimeout, format, args...)
}

// DeliveryFailure creates a transport-failure error.
func DeliveryFailure(format string, args ...any) error {
	return newf(KindDeliveryFailure, format, args...)
}

// Internal creates an invariant-violation error.
func Internal(format string, args ...any) error {
	return newf(KindInternal, format, args...)
}

// Wrap attaches a cause to a kinded error.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsInvalidInput reports whether err is caller-correctable.
func IsInvalidInput(err error) bool { return is(err, KindInvalidInput) }

// IsNotFound reports whether err is an unknown-id error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsConflictState reports whether err is illegal-in-current-state.
func IsConflictState(err error) bool { return is(err, KindConflictState) }

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool { return is(err, KindCircuitOpen) }

// IsCapacityExceeded reports whether err is a capacity error.
func IsCapacityExceeded(err error) bool { return is(err, KindCapacityExceeded) }

// IsTimeout reports whether err is a typed timeout.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsDeliveryFailure reports whether err is a transport failure.
func IsDeliveryFailure(err error) bool { return is(err, KindDeliveryFailure) }

// IsInternal reports whether err is an invariant violation.
func IsInternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindInternal
	}
	return false
}

func is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
