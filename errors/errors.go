// Package errors provides error handling for skyfleet.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Taxonomy sentinels for the job-orchestration core.
// Use these with errors.Is() for type-safe error checking, and
// errors.Wrap() to add context while preserving the type.
var (
	// ErrBadRequest indicates payload validation failed at intake.
	ErrBadRequest = New("bad request")

	// ErrNotFound indicates a job or parent group does not exist.
	ErrNotFound = New("not found")

	// ErrAuthExhausted indicates all three auth methods failed for a job.
	// Terminal: the queue must not burn the retry budget on it.
	ErrAuthExhausted = New("auth exhausted")

	// ErrUpstreamFailure indicates a social-client call failed.
	// Retriable by queue policy.
	ErrUpstreamFailure = New("upstream failure")

	// ErrRateLimited is an upstream failure that mandates backoff.
	ErrRateLimited = New("rate limited")

	// ErrBlobTooLarge indicates an upload payload exceeded the cap and
	// could not be downscaled. Item-level failure, not job-level.
	ErrBlobTooLarge = New("blob too large")

	// ErrCancelled indicates the job's lease was revoked mid-flight.
	ErrCancelled = New("cancelled")

	// ErrStalled indicates missed lease renewals beyond the threshold.
	ErrStalled = New("stalled")
)

// IsRetriable reports whether the queue should re-enqueue a job that
// failed with err. Auth exhaustion and validation errors are terminal;
// everything else is assumed transient and left to the attempt budget.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return !IsAny(err, ErrAuthExhausted, ErrBadRequest, ErrBlobTooLarge)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsBadRequestError checks if an error is or wraps ErrBadRequest.
func IsBadRequestError(err error) bool {
	return err != nil && Is(err, ErrBadRequest)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewBadRequestError creates a bad-request error with a formatted message.
func NewBadRequestError(format string, args ...interface{}) error {
	return Wrap(ErrBadRequest, Newf(format, args...).Error())
}
