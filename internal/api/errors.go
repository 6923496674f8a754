package api

import (
	"errors"
	"fmt"
)

// TransientError is a network-class failure: timeouts, connection resets,
// server-side unavailability (5xx, 429). Submissions that fail with a
// TransientError are retried with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a rejection by the server (malformed payload, unknown
// category, oversized attachment). Retrying the same payload would repeat
// the rejection, so validation errors are never retried.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

// ConflictError means the idempotency key was already resolved by the server.
// It carries the previously allocated ticket number and is treated as success
// by callers.
type ConflictError struct {
	TicketNumber string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("submission already resolved as ticket %s", e.TicketNumber)
}

// IsTransient reports whether err is a retryable network-class failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a non-retryable server rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsConflict returns the ConflictError wrapped in err, or nil.
func AsConflict(err error) *ConflictError {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
