package registration

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies why a submission failed.
type ErrorCategory string

const (
	// CategoryUnreachable covers DNS, connection refused and similar transport failures.
	CategoryUnreachable ErrorCategory = "unreachable"
	// CategoryTimeout means the per-call deadline expired.
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryServer means the service answered with a 5xx status.
	CategoryServer ErrorCategory = "server"
	// CategoryRejected means the service refused the record (4xx). Retrying will not help.
	CategoryRejected ErrorCategory = "rejected"
)

// Error is returned by Client.Submit for every failed submission.
type Error struct {
	Category   ErrorCategory
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("registration %s: status %d: %s", e.Category, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("registration %s: %v", e.Category, e.Err)
	default:
		return "registration " + string(e.Category)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Category != CategoryRejected
}

// IsRetryable reports whether err is a retryable submission failure.
// Errors that are not *Error are treated as retryable.
func IsRetryable(err error) bool {
	var regErr *Error
	if errors.As(err, &regErr) {
		return regErr.Retryable()
	}
	return err != nil
}
