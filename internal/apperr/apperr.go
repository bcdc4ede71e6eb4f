// Package apperr defines the error taxonomy shared by the sync engine, the
// webhook processor and the HTTP layer. Each error carries a stable Kind so
// callers can branch on category without parsing message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindMalformedIdentifier Kind = "malformed_identifier"
	KindTransientStore      Kind = "transient_store"
	KindProviderAuth        Kind = "provider_auth"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindNotFound            Kind = "not_found"
	KindVerificationTimeout Kind = "verification_timeout"
	KindInvalidInput        Kind = "invalid_input"
	KindInternal            Kind = "internal"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is expected to clear on its own.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientStore || e.Kind == KindProviderUnavailable
}

// New builds an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when the chain carries none. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
