package agent

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions. Kinds are tags,
// not types: any error can carry one via Wrap, and Classify falls back to
// structural inspection for errors produced outside this module.
type Kind int

const (
	// KindUnknown is the zero value; Classify never returns it for non-nil errors.
	KindUnknown Kind = iota
	// KindValidation marks bad input (DAG cycle, unknown class, config key).
	// Surfaced to the caller, never retried.
	KindValidation
	// KindCancelled marks context cancellation or deadline expiry. Not retried.
	KindCancelled
	// KindBreakerOpen marks a fail-fast rejection by an open circuit breaker.
	KindBreakerOpen
	// KindRateLimited marks a denied permit or an upstream 429. Retried with backoff.
	KindRateLimited
	// KindTransient marks network errors, 5xx, and timeouts. Retried per policy.
	KindTransient
	// KindPermanent marks non-retryable upstream failures (4xx, contract violations).
	KindPermanent
	// KindAuth marks credential rejection (401/403). Not retried; repeated
	// occurrences disable the offending API key.
	KindAuth
	// KindInternal marks an invariant violation inside the core. Logged at error;
	// the task fails but the orchestrator keeps running.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCancelled:
		return "cancelled"
	case KindBreakerOpen:
		return "breaker_open"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is an error carrying a taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with a kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a new tagged error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewValidation creates a validation error with the given message.
func NewValidation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Classify returns the taxonomy kind of err. Context errors classify as
// Cancelled regardless of wrapping; untagged errors default to Transient so
// unrecognized failures stay retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindTransient
}

// Retryable reports whether an error of this kind may be retried under the
// default policy. BreakerOpen is retryable so a later attempt can hit the
// probe window.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindRateLimited, KindTransient, KindBreakerOpen:
		return true
	default:
		return false
	}
}
