// Package errs implements a shared error taxonomy: every error
// that crosses a component boundary is classified by Kind so the task
// runtime can decide retry vs. dead-letter vs. silent-exit without
// inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/dead-letter/propagation decisions.
type Kind string

const (
	KindValidation          Kind = "validation"   // never retried
	KindAuth                Kind = "auth"         // never retried
	KindRateLimited         Kind = "rate_limited" // retry after RetryAfter
	KindTransient           Kind = "transient"    // retry with backoff
	KindPermanent           Kind = "permanent"    // dead-letter
	KindConsistency         Kind = "consistency"  // exit silently, no retry
	KindInsufficientCredits Kind = "insufficient_credits"
	KindConflict            Kind = "conflict" // already handled, success exit
)

// Error wraps an underlying cause with a classification Kind.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error

	// RetryAfter is set for KindRateLimited.
	RetryAfter float64 // seconds
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

func Validation(msg string, cause error) *Error  { return newErr(KindValidation, msg, cause) }
func Auth(msg string, cause error) *Error        { return newErr(KindAuth, msg, cause) }
func Transient(msg string, cause error) *Error   { return newErr(KindTransient, msg, cause) }
func Permanent(msg string, cause error) *Error   { return newErr(KindPermanent, msg, cause) }
func Consistency(msg string, cause error) *Error { return newErr(KindConsistency, msg, cause) }
func Conflict(msg string, cause error) *Error    { return newErr(KindConflict, msg, cause) }
func InsufficientCredits(msg string) *Error {
	return newErr(KindInsufficientCredits, msg, nil)
}
func RateLimited(msg string, retryAfter float64) *Error {
	return &Error{Kind: KindRateLimited, Msg: msg, RetryAfter: retryAfter}
}

// KindOf extracts the Kind of an error, defaulting to KindTransient for
// unclassified errors (safer default: retry rather than silently drop).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Retriable reports whether the task runtime should retry the task that
// produced this error.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Silent reports whether the error should be swallowed without any
// further side effect (consistency failures, already-handled conflicts).
func Silent(err error) bool {
	switch KindOf(err) {
	case KindConsistency, KindConflict:
		return true
	default:
		return false
	}
}
