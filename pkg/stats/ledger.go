// Package stats tracks per-backend usage: request and error counters, units
// consumed, cost, and a rolling latency average used to order failover
// candidates.
package stats

import (
	"sync"
	"time"
)

// Latency EMA weighting: avg = avg*0.9 + sample*0.1, seeded at 0.
const emaWeight = 0.1

// Outcome describes one completed attempt against a backend.
type Outcome struct {
	Err     bool
	Units   int
	Cost    float64
	Latency time.Duration
}

// Entry holds the accumulated usage of one backend.
type Entry struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	Units        int64   `json:"units"`
	Cost         float64 `json:"cost"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SuccessRate computes (requests - errors) / requests * 100. It is derived
// from the counters on every read and never drifts independently.
func (e Entry) SuccessRate() float64 {
	if e.Requests == 0 {
		return 100.0
	}
	return float64(e.Requests-e.Errors) / float64(e.Requests) * 100.0
}

// Ledger accumulates usage per backend.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

// Record updates the backend's counters from one attempt outcome.
func (l *Ledger) Record(backend string, o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[backend]
	if !ok {
		e = &Entry{}
		l.entries[backend] = e
	}

	e.Requests++
	if o.Err {
		e.Errors++
	}
	e.Units += int64(o.Units)
	e.Cost += o.Cost
	e.AvgLatencyMs = e.AvgLatencyMs*(1-emaWeight) + float64(o.Latency.Milliseconds())*emaWeight
}

// SuccessRate returns the backend's rolling success rate. Unknown backends
// report 100 so that fresh candidates are not ranked below failing ones.
func (l *Ledger) SuccessRate(backend string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[backend]
	if !ok {
		return 100.0
	}
	return e.SuccessRate()
}

// Entry returns a copy of the backend's accumulated usage.
func (l *Ledger) Entry(backend string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[backend]; ok {
		return *e
	}
	return Entry{}
}

// Snapshot returns a copy of every backend's accumulated usage.
func (l *Ledger) Snapshot() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Entry, len(l.entries))
	for name, e := range l.entries {
		out[name] = *e
	}
	return out
}
