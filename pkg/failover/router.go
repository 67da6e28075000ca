// Package failover routes requests across interchangeable backends for one
// logical role. It orders candidates by health and rolling success rate,
// drives bounded retries within a backend, and records an event whenever the
// active backend changes.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
	"github.com/zen-systems/backstop/pkg/health"
	"github.com/zen-systems/backstop/pkg/log"
	"github.com/zen-systems/backstop/pkg/ratelimit"
	"github.com/zen-systems/backstop/pkg/retry"
	"github.com/zen-systems/backstop/pkg/stats"
)

// Attempt runs one call against a candidate backend. On success it returns
// the usage to ledger; latency is filled in by the router.
type Attempt func(ctx context.Context, b backend.Backend) (stats.Outcome, error)

// Options tunes one Execute call. The zero value tries the active backend
// first and allows fallback.
type Options struct {
	// Preferred names a backend to try first, ahead of the active one.
	Preferred string
	// NoFallback restricts the call to the first candidate; its error is
	// returned as-is instead of advancing.
	NoFallback bool
}

// ExhaustedError is returned when every candidate backend failed.
type ExhaustedError struct {
	Role     string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %s backends exhausted after %d attempts: %v", e.Role, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Router drives failover for one logical role (e.g. the active generation
// backend). performFailover is the sole writer of the event history and the
// sole point that invokes subscribers.
type Router struct {
	role    string
	monitor *health.Monitor
	limiter *ratelimit.Limiter
	ledger  *stats.Ledger
	policy  retry.Policy

	mu       sync.Mutex
	backends map[string]backend.Backend
	order    []string
	active   string
	history  []Event
	subs     []Subscriber

	now func() time.Time
}

// NewRouter creates a router for one role.
func NewRouter(role string, monitor *health.Monitor, limiter *ratelimit.Limiter, ledger *stats.Ledger, policy retry.Policy) *Router {
	return &Router{
		role:     role,
		monitor:  monitor,
		limiter:  limiter,
		ledger:   ledger,
		policy:   policy,
		backends: make(map[string]backend.Backend),
		now:      time.Now,
	}
}

// Register adds a backend as a candidate for this role. The first
// registered backend, or the one marked primary, starts active.
func (r *Router) Register(b backend.Backend, primary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	r.backends[name] = b
	r.order = append(r.order, name)
	if primary || r.active == "" {
		r.active = name
	}
}

// Active returns the name of the current active backend.
func (r *Router) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Subscribe registers a callback invoked after every failover.
func (r *Router) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Events returns a copy of the failover history, oldest first.
func (r *Router) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.history))
	copy(out, r.history)
	return out
}

// candidates builds the ordered candidate list: the preferred backend (or
// the active one) first, then the rest by descending rolling success rate.
func (r *Router) candidates(preferred string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := preferred
	if first == "" || r.backends[first] == nil {
		first = r.active
	}

	rest := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if name != first {
			rest = append(rest, name)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return r.ledger.SuccessRate(rest[i]) > r.ledger.SuccessRate(rest[j])
	})

	if r.backends[first] == nil {
		return rest
	}
	return append([]string{first}, rest...)
}

// Execute runs the attempt against candidates in order until one succeeds.
// Unhealthy candidates are skipped unless they are the last option. A
// success on a non-active backend records exactly one failover event with
// the reason that last caused deviation.
func (r *Router) Execute(ctx context.Context, opts Options, run Attempt) (string, error) {
	candidates := r.candidates(opts.Preferred)
	if len(candidates) == 0 {
		return "", &ExhaustedError{Role: r.role, LastErr: fmt.Errorf("no backends registered")}
	}
	if opts.NoFallback {
		candidates = candidates[:1]
	}

	prevActive := r.Active()
	started := r.now()
	attempts := 0
	var lastErr error
	var lastReason Reason

	for i, name := range candidates {
		last := i == len(candidates)-1
		if !last && !r.monitor.IsHealthy(ctx, name, false) {
			log.Debug().Str("role", r.role).Str("backend", name).Msg("skipping unhealthy candidate")
			lastReason = ReasonHealthCheckFailed
			if lastErr == nil {
				lastErr = fmt.Errorf("backend %s failed health check", name)
			}
			continue
		}

		if err := r.limiter.Acquire(ctx, name); err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			lastErr = err
			lastReason = ReasonRateLimited
			continue
		}

		b := r.backendFor(name)
		err := r.policy.Do(ctx, name, func(ctx context.Context) error {
			attemptStart := r.now()
			out, err := run(ctx, b)
			latency := r.now().Sub(attemptStart)
			attempts++

			if err != nil {
				r.ledger.Record(name, stats.Outcome{Err: true, Latency: latency})
				r.monitor.RecordOutcome(name, err)
				return err
			}
			out.Latency = latency
			r.ledger.Record(name, out)
			r.monitor.RecordOutcome(name, nil)
			return nil
		})
		if err == nil {
			if name != prevActive {
				reason := lastReason
				if reason == "" {
					reason = ReasonAPIError
				}
				r.performFailover(prevActive, name, reason, lastErr, r.now().Sub(started))
			}
			return name, nil
		}

		lastErr = err
		lastReason = classify(err)
		if ctx.Err() != nil {
			break
		}
	}

	if opts.NoFallback && lastErr != nil {
		return "", lastErr
	}
	return "", &ExhaustedError{Role: r.role, Attempts: attempts, LastErr: lastErr}
}

func (r *Router) backendFor(name string) backend.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[name]
}

// ForceFailover switches the active backend directly, bypassing health and
// retry. Used by operational tooling.
func (r *Router) ForceFailover(to string) error {
	r.mu.Lock()
	known := r.backends[to] != nil
	from := r.active
	r.mu.Unlock()

	if !known {
		return fmt.Errorf("unknown backend %q for role %s", to, r.role)
	}
	if from == to {
		return nil
	}
	r.performFailover(from, to, ReasonManualSwitch, nil, 0)
	return nil
}

// performFailover is the only writer of the active pointer and event
// history, and the only caller of subscribers.
func (r *Router) performFailover(from, to string, reason Reason, cause error, recovery time.Duration) {
	event := Event{
		Time:       r.now(),
		From:       from,
		To:         to,
		Reason:     reason,
		RecoveryMs: recovery.Milliseconds(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	r.mu.Lock()
	r.active = to
	r.history = append(r.history, event)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	subs := make([]Subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	log.Warn().
		Str("role", r.role).
		Str("from", from).
		Str("to", to).
		Str("reason", string(reason)).
		Int64("recovery_ms", event.RecoveryMs).
		Msg("failover")

	for _, fn := range subs {
		fn(event)
	}
}

func classify(err error) Reason {
	if err == nil {
		return ReasonAPIError
	}
	var rateErr *backend.RateLimitedError
	if errors.As(err, &rateErr) {
		return ReasonRateLimited
	}
	if backend.IsTimeout(err) {
		return ReasonTimeout
	}
	return ReasonAPIError
}
