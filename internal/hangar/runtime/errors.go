package runtime

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the backend does not know the resource id. Stop and
	// Remove callers treat it as success.
	ErrNotFound = errors.New("backend resource not found")

	// ErrBackendUnavailable means the daemon or bridge could not be reached
	// or failed in a way worth retrying.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// CreateError reports a rejected creation: name collision or bad image.
type CreateError struct {
	Name  string
	Image string
	Err   error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create %s from %s: %v", e.Name, e.Image, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// RetryableError is a lifecycle failure that left the ledger untouched. The
// same call may be repeated.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s failed (retryable): %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IgnoreNotFound maps ErrNotFound to nil.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IsRetryable reports whether err is an infrastructure fault a later attempt
// may not hit. Timeouts count: the outcome is unknown and the next
// reconciliation pass settles it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	var createErr *CreateError
	if errors.As(err, &createErr) {
		return false
	}
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
