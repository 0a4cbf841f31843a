package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrInsufficientBalance is permanent: the order must not be retried.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound means the venue has no order for the client id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder is returned when a client id was already used.
	ErrDuplicateOrder = errors.New("duplicate client order id")
)

// NetworkError wraps transport failures and 5xx responses.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is returned by the local limiter after its bounded wait, or
// when the venue answers 429/418. RetryAfter carries the venue hint if any.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded during %s (retry after %s)", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded during %s", e.Op)
}

// RejectionError is a permanent venue refusal (invalid params, filters, etc.).
type RejectionError struct {
	Code int
	Msg  string
}

func (e *RejectionError) Error() string { return fmt.Sprintf("exchange rejected (code %d): %s", e.Code, e.Msg) }

// IsTransient reports whether err is worth retrying with the same idempotency key.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, context.Canceled) {
		return false
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return false
	}
	var netErr *NetworkError
	var rl *RateLimitError
	if errors.As(err, &netErr) || errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfter extracts a venue backoff hint from err, zero when absent.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
