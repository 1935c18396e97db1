package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	dErrors "kycgate/pkg/domain-errors"
)

// ErrorCategory is the normalized failure taxonomy for capability calls.
type ErrorCategory string

const (
	// ErrorTimeout indicates the capability took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorUnavailable indicates the capability backend is down
	ErrorUnavailable ErrorCategory = "unavailable"

	// ErrorBadData indicates the capability returned an unusable result
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorInternal indicates an unexpected failure
	ErrorInternal ErrorCategory = "internal"
)

// CapabilityError wraps scanner, OCR and delivery failures.
type CapabilityError struct {
	Category   ErrorCategory
	Capability string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *CapabilityError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("capability %s [%s]: %s: %v", e.Capability, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("capability %s [%s]: %s", e.Capability, e.Category, e.Message)
}

func (e *CapabilityError) Unwrap() error {
	return e.Underlying
}

// NewCapabilityError creates a normalized capability error. Timeouts and
// outages are retryable.
func NewCapabilityError(category ErrorCategory, capability, message string, underlying error) *CapabilityError {
	return &CapabilityError{
		Category:   category,
		Capability: capability,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == ErrorTimeout || category == ErrorUnavailable,
	}
}

// IsTransient reports whether err should release the document for a later
// poll instead of failing it.
func IsTransient(err error) bool {
	if dErrors.HasCode(err, dErrors.CodeCapabilityTimeout) {
		return true
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Call runs fn with a deadline. It returns once the deadline passes even if fn
// ignores its context, so a hung backend cannot stall the caller. Deadline
// expiry maps to CodeCapabilityTimeout; cancellation of the parent context is
// returned as-is.
func Call[T any](ctx context.Context, capability string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, NewCapabilityError(ErrorInternal, capability, "panic", fmt.Errorf("%v", r))}
			}
		}()
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, timeoutError(capability, timeout, res.err)
		}
		return res.val, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timeoutError(capability, timeout, callCtx.Err())
	}
}

func timeoutError(capability string, timeout time.Duration, cause error) error {
	return dErrors.Wrap(
		NewCapabilityError(ErrorTimeout, capability, fmt.Sprintf("no response within %s", timeout), cause),
		dErrors.CodeCapabilityTimeout,
		capability+" timed out",
	)
}
