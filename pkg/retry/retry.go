// Package retry runs one backend's call with bounded retries and exponential
// backoff. It absorbs transient failures locally; once the budget is spent,
// the failover router advances to the next candidate.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
	"github.com/zen-systems/backstop/pkg/log"
)

const (
	// DefaultMaxRetries bounds retries within one backend before failover.
	DefaultMaxRetries = 2
	// DefaultBackoffFactor grows the sleep between attempts.
	DefaultBackoffFactor = 1.5
	// DefaultMaxBackoff caps any single backoff sleep.
	DefaultMaxBackoff = 10 * time.Second
)

// Policy defines retry and backoff behavior for one backend.
type Policy struct {
	MaxRetries    int
	BackoffFactor float64
	MaxBackoff    time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BackoffFactor: DefaultBackoffFactor,
		MaxBackoff:    DefaultMaxBackoff,
	}
}

// WithSleep returns a copy of the policy using the given sleep function.
// Used by tests to observe backoff without waiting.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// Backoff returns the sleep before the next attempt. Attempt is 0-indexed:
// min(factor^attempt seconds, max).
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = DefaultBackoffFactor
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	d := time.Duration(math.Pow(factor, float64(attempt)) * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Do runs fn with up to MaxRetries retries. A server-supplied retry hint is
// honored exactly; otherwise the exponential backoff applies. Auth errors
// propagate immediately since retrying cannot help.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if backend.IsAuth(err) {
			log.Warn().Str("backend", name).Err(err).Msg("auth error, not retrying")
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		wait := p.Backoff(attempt)
		if hint, ok := backend.RetryAfter(err); ok {
			wait = hint
		}
		log.Debug().
			Str("backend", name).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Err(err).
			Msg("retrying after failure")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
