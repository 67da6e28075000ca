// Package ratelimit enforces per-backend request budgets: a sliding
// 60-second window that blocks until capacity clears, and a calendar-day
// budget with UTC reset that rejects fast.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
	"github.com/zen-systems/backstop/pkg/log"
)

const windowSize = time.Minute

// Limits defines one backend's budgets. Zero means unlimited.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Limiter tracks request budgets per backend.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Both budgets move under the window's single lock so that the minute stamps
// and the daily counter can never disagree.
type window struct {
	mu       sync.Mutex
	limits   Limits
	stamps   []time.Time
	dayCount int
	dayReset time.Time
}

// NewLimiter creates a limiter with no registered backends.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		sleep:   sleepWithContext,
	}
}

// Register sets the budgets for a backend. Unregistered backends are not
// limited.
func (l *Limiter) Register(name string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows[name] = &window{
		limits:   limits,
		dayReset: nextUTCMidnight(l.now()),
	}
}

// Acquire blocks until the backend's minute window admits a request, then
// counts it against both budgets. An exhausted daily budget rejects
// immediately with a RateLimitedError carrying the time until UTC midnight.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	l.mu.Lock()
	w, ok := l.windows[name]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	for {
		wait, err := w.tryAcquire(l.now())
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		log.Debug().Str("backend", name).Dur("wait", wait).Msg("rate window full, waiting")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire returns 0 and counts the request if capacity is available, or
// the wait until the oldest stamp ages out of the window.
func (w *window) tryAcquire(now time.Time) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.dayReset) {
		w.dayCount = 0
		w.dayReset = nextUTCMidnight(now)
	}
	if w.limits.PerDay > 0 && w.dayCount >= w.limits.PerDay {
		return 0, &backend.RateLimitedError{
			Daily:      true,
			RetryAfter: w.dayReset.Sub(now),
		}
	}

	cutoff := now.Add(-windowSize)
	kept := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.stamps = kept

	if w.limits.PerMinute > 0 && len(w.stamps) >= w.limits.PerMinute {
		oldest := w.stamps[0]
		return windowSize - now.Sub(oldest), nil
	}

	w.stamps = append(w.stamps, now)
	w.dayCount++
	return 0, nil
}

// Remaining reports how many requests the minute window currently admits.
func (l *Limiter) Remaining(name string) int {
	l.mu.Lock()
	w, ok := l.windows[name]
	l.mu.Unlock()
	if !ok || w.limits.PerMinute <= 0 {
		return -1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := l.now().Add(-windowSize)
	inWindow := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			inWindow++
		}
	}
	return w.limits.PerMinute - inWindow
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
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
