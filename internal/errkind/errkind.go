// Package errkind classifies errors by propagation policy (spec §7).
// Every error raised by the core should be wrapped in one of these kinds so
// callers can decide, mechanically, whether to retry, drop a connection,
// halt a swap, or abort the process.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the propagation policy for an error.
type Kind string

const (
	// Transient is retried with exponential backoff; never surfaced to the
	// swap state, never changes swap state.
	Transient Kind = "transient"
	// ProtocolViolation drops the offending peer connection; the affected
	// swap rolls back if still negotiating, otherwise continues from chain
	// data alone.
	ProtocolViolation Kind = "protocol_violation"
	// ChainInconsistent moves the swap to IncidentHalted; no automatic
	// remediation, an alert is emitted.
	ChainInconsistent Kind = "chain_inconsistent"
	// Config is a fatal startup error.
	Config Kind = "config"
	// Storage is fatal for the affected swap's task; the action whose event
	// failed to persist must not be performed.
	Storage Kind = "storage"
)

// Error wraps an underlying cause with a propagation Kind.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given kind and a short context string.
func New(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Is reports whether err (or anything it wraps) is of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Transientf builds a Transient error with a formatted context.
func Transientf(cause error, format string, args ...interface{}) *Error {
	return New(Transient, fmt.Sprintf(format, args...), cause)
}

// Violationf builds a ProtocolViolation error with a formatted context.
func Violationf(cause error, format string, args ...interface{}) *Error {
	return New(ProtocolViolation, fmt.Sprintf(format, args...), cause)
}

// Inconsistentf builds a ChainInconsistent error with a formatted context.
func Inconsistentf(cause error, format string, args ...interface{}) *Error {
	return New(ChainInconsistent, fmt.Sprintf(format, args...), cause)
}

// Storagef builds a Storage error with a formatted context.
func Storagef(cause error, format string, args ...interface{}) *Error {
	return New(Storage, fmt.Sprintf(format, args...), cause)
}
