package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for resilience operations.
var (
	// ErrNotConfigured is returned when no policy is bound to an operation
	// and the registry has no defaults.
	ErrNotConfigured = errors.New("resilience: operation not configured")

	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrRateLimited is returned when the rate limiter has no permit.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation or a permit wait times out.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrRetriesExhausted is matched by *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("resilience: retries exhausted")

	// ErrCancelled is returned when the caller cancels a protected call.
	ErrCancelled = errors.New("resilience: call cancelled")
)

// PolicyError reports a rejection or failure produced by a policy rather
// than by the wrapped call.
type PolicyError struct {
	Operation string
	Policy    PolicyKind
	Err       error
}

func (e *PolicyError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("%s: %v", e.Policy, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Policy, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// RetriesExhaustedError carries the last real failure after all attempts.
type RetriesExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("resilience: retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last underlying error.
func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// cancelledError wraps the context error so both ErrCancelled and
// context.Canceled / context.DeadlineExceeded match.
type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCancelled, e.cause)
}

func (e *cancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.cause}
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &cancelledError{cause: cause}
}

// ErrorClass is the taxonomy bucket of an error returned by a protected call.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassNotConfigured
	ClassCircuitOpen
	ClassRateLimited
	ClassBulkheadFull
	ClassTimeout
	ClassRetriesExhausted
	ClassCancelled
	ClassUnderlying
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotConfigured:
		return "not_configured"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassRateLimited:
		return "rate_limited"
	case ClassBulkheadFull:
		return "bulkhead_full"
	case ClassTimeout:
		return "timeout"
	case ClassRetriesExhausted:
		return "retries_exhausted"
	case ClassCancelled:
		return "cancelled"
	case ClassUnderlying:
		return "underlying_failure"
	default:
		return "unknown"
	}
}

// Classify maps err onto the error taxonomy. Errors produced by the wrapped
// call itself classify as ClassUnderlying.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotConfigured):
		return ClassNotConfigured
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrBulkheadFull):
		return ClassBulkheadFull
	case errors.Is(err, ErrRetriesExhausted):
		return ClassRetriesExhausted
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	default:
		return ClassUnderlying
	}
}

// IsRejection reports whether err is a local admission rejection
// (circuit open, rate limited or bulkhead full).
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrBulkheadFull)
}
