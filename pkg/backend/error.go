package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnsupported is returned when a backend is asked for a capability it
// does not implement.
var ErrUnsupported = errors.New("capability not supported by backend")

// Error wraps provider errors with status metadata.
type Error struct {
	Backend   string
	Status    int
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "backend error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("backend error (status=%d)", e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RateLimitedError signals an exhausted rate budget. RetryAfter tells the
// caller how long to wait before the budget clears.
type RateLimitedError struct {
	Backend    string
	RetryAfter time.Duration
	Daily      bool
}

func (e *RateLimitedError) Error() string {
	scope := "per-minute"
	if e.Daily {
		scope = "daily"
	}
	return fmt.Sprintf("backend %s %s rate limit exhausted (retry after %s)", e.Backend, scope, e.RetryAfter)
}

// IsTransient reports whether an error is safe to retry against the same
// backend.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		return !rateErr.Daily
	}
	var backendErr *Error
	if errors.As(err, &backendErr) {
		if backendErr.Temporary {
			return true
		}
		return backendErr.Status == 429 || (backendErr.Status >= 500 && backendErr.Status <= 599)
	}
	return false
}

// IsAuth reports whether an error is an authentication or permission
// failure. Retrying these cannot help; they trigger immediate failover.
func IsAuth(err error) bool {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr.Status == 401 || backendErr.Status == 403
	}
	return false
}

// IsTimeout reports whether an error is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryAfter extracts a server-supplied retry hint, if the error carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}
	return 0, false
}
