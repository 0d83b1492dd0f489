// Package taskerr classifies task execution failures so the worker pool can
// make the retry-vs-terminal decision with an explicit switch instead of a
// catch-all.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind buckets a task failure for the retry policy.
type Kind int

const (
	// KindTransient covers network errors, provider 5xx and per-call
	// timeouts. Retryable.
	KindTransient Kind = iota
	// KindPermanent covers validation and unsupported-target failures.
	// Not retryable.
	KindPermanent
	// KindMissingResult means the provider reported success but no
	// artifact could be extracted. Terminal.
	KindMissingResult
	// KindTimeout means the poll attempt ceiling was reached. Terminal,
	// distinct from a per-call timeout.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindMissingResult:
		return "missing_result"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error carries a failure kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }

// Transientf is Transient over a formatted message.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

// MissingResult marks a success response with no extractable artifact.
func MissingResult(err error) error { return &Error{Kind: KindMissingResult, Err: err} }

// Timeout marks an exhausted poll attempt ceiling.
func Timeout(err error) error { return &Error{Kind: KindTimeout, Err: err} }

// KindOf classifies err. Unclassified errors default to transient: an
// unexpected failure gets retried rather than silently dropped.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// Retryable reports whether the pool may re-enqueue after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	default:
		return false
	}
}
