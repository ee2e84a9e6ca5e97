package sync

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the engine can surface.
//
// Only ErrTerminalFailure and unresolved conflicts require user-visible
// action; every other class is recovered automatically.
var (
	// ErrTransient marks network-level failures that are retried with
	// backoff.
	ErrTransient = errors.New("transient network error")

	// ErrValidation marks structurally invalid operations. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrVersionConflict is not a failure: it routes the operation to the
	// conflict resolver instead of applying it.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAuthExpired triggers a token refresh followed by a reconnect,
	// or a forced disconnect if the refresh fails.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrTimeout marks an operation whose acknowledgment deadline passed.
	// Retried up to the retry bound, then terminal.
	ErrTimeout = errors.New("operation timeout")

	// ErrTerminalFailure marks an operation that exhausted its retry
	// budget. It will never be retried automatically.
	ErrTerminalFailure = errors.New("terminal failure")
)

// OperationError is a server-reported per-operation failure.
type OperationError struct {
	OperationID string `json:"operation_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`

	// Retryable short-circuits client retries when false
	// (e.g. validation failures).
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed (%s): %s", e.OperationID, e.Code, e.Message)
}

// Unwrap classifies the failure into the sentinel taxonomy so callers can
// use errors.Is.
func (e *OperationError) Unwrap() error {
	if e.Retryable {
		return ErrTransient
	}
	return ErrValidation
}

// Retryable reports whether err may be retried. Unknown errors default to
// retryable so that transport hiccups are not misclassified as permanent.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrTerminalFailure),
		errors.Is(err, ErrVersionConflict):
		return false
	}
	return true
}
