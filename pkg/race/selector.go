// Package race sends one job to several endpoints concurrently and picks
// the best completed result by validity and priority, never by arrival
// order. A fast responder can return empty, truncated, or untranslated
// content, so every outcome is gathered and classified against the input
// size before selection.
package race

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/backstop/pkg/log"
)

// Length-ratio classification thresholds, relative to the input length.
const (
	minValidRatio  = 0.70
	maxValidRatio  = 1.50
	preferredRatio = 0.90
)

// sessionFailureLimit skips an endpoint for the rest of the run, unless it
// is the single highest-priority endpoint.
const sessionFailureLimit = 3

// ErrNoValidResult signals that no endpoint produced a usable result. The
// caller degrades (e.g. keeps the original content) instead of receiving
// unrelated output.
var ErrNoValidResult = errors.New("no endpoint produced a valid result")

// Job is one logical unit of work sent redundantly to every endpoint.
// InputLength must be the true size of the input; it is never inferred from
// the outputs.
type Job struct {
	ID             string
	Content        string
	TargetLanguage string
	InputLength    int
}

// Endpoint is one redundant destination. Priority 1 is the highest.
type Endpoint struct {
	Name     string
	Priority int
	Call     func(ctx context.Context, content, targetLanguage string) (string, error)
}

// Result is one endpoint's classified outcome.
type Result struct {
	OK       bool
	Payload  string
	Length   int
	Priority int
	Endpoint string
	Warned   bool
	Err      error
}

type validity int

const (
	validityInvalid validity = iota
	validityValid
	validityPreferred
)

// Config holds selector settings.
type Config struct {
	// OuterTimeout bounds the total wait for all endpoints; outcomes still
	// pending when it fires are discarded for the job.
	OuterTimeout time.Duration
	// CallTimeout bounds each individual endpoint call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default selector settings.
func DefaultConfig() Config {
	return Config{
		OuterTimeout: 120 * time.Second,
		CallTimeout:  90 * time.Second,
	}
}

// Selector races jobs across endpoints and tracks per-endpoint session
// failures.
type Selector struct {
	cfg Config

	mu       sync.Mutex
	failures map[string]int
}

// NewSelector creates a selector.
func NewSelector(cfg Config) *Selector {
	def := DefaultConfig()
	if cfg.OuterTimeout <= 0 {
		cfg.OuterTimeout = def.OuterTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Selector{
		cfg:      cfg,
		failures: make(map[string]int),
	}
}

// Failures returns the session failure tally for an endpoint.
func (s *Selector) Failures(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[endpoint]
}

func (s *Selector) recordFailure(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint]++
}

// Run sends the job to every eligible endpoint, waits for all outcomes
// within the outer timeout, and returns the winning payload. It returns
// ErrNoValidResult when nothing meets the validity threshold and never
// raises on partial endpoint failure.
func (s *Selector) Run(ctx context.Context, job Job, endpoints []Endpoint) (string, error) {
	if job.InputLength <= 0 {
		return "", errors.New("job input length is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	eligible := s.eligible(endpoints)
	if len(eligible) == 0 {
		return "", ErrNoValidResult
	}

	results := s.gather(ctx, job, eligible)
	winner, ok := s.pick(job, results)
	if !ok {
		log.Warn().Str("job", job.ID).Int("endpoints", len(eligible)).Msg("no valid result from any endpoint")
		return "", ErrNoValidResult
	}

	log.Info().
		Str("job", job.ID).
		Str("endpoint", winner.Endpoint).
		Int("priority", winner.Priority).
		Int("length", winner.Length).
		Msg("selected result")
	return winner.Payload, nil
}

// eligible orders endpoints by ascending priority and drops those past the
// session failure limit. The highest-priority endpoint is always attempted.
func (s *Selector) eligible(endpoints []Endpoint) []Endpoint {
	ordered := make([]Endpoint, len(endpoints))
	copy(ordered, endpoints)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Endpoint, 0, len(ordered))
	for i, ep := range ordered {
		if i > 0 && s.failures[ep.Name] >= sessionFailureLimit {
			log.Debug().Str("endpoint", ep.Name).Int("failures", s.failures[ep.Name]).Msg("skipping failed endpoint for this run")
			continue
		}
		out = append(out, ep)
	}
	return out
}

// gather launches one call per endpoint and waits for all of them, bounded
// by the outer timeout. It never returns on first completion.
func (s *Selector) gather(ctx context.Context, job Job, endpoints []Endpoint) []Result {
	outerCtx, cancel := context.WithTimeout(ctx, s.cfg.OuterTimeout)
	defer cancel()

	var mu sync.Mutex
	results := make([]Result, len(endpoints))
	completed := make([]bool, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		results[i] = Result{Endpoint: ep.Name, Priority: ep.Priority}
		wg.Add(1)
		go func(idx int, ep Endpoint) {
			defer wg.Done()

			callCtx, cancelCall := context.WithTimeout(outerCtx, s.cfg.CallTimeout)
			defer cancelCall()

			payload, err := ep.Call(callCtx, job.Content, job.TargetLanguage)
			mu.Lock()
			defer mu.Unlock()
			completed[idx] = true
			if err != nil {
				results[idx].Err = err
				return
			}
			results[idx].OK = true
			results[idx].Payload = payload
			results[idx].Length = len(payload)
		}(i, ep)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-outerCtx.Done():
		log.Warn().Str("job", job.ID).Msg("outer timeout reached, discarding pending endpoint calls")
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Result, len(endpoints))
	for i := range results {
		out[i] = results[i]
		if !completed[i] {
			out[i].OK = false
			out[i].Err = context.DeadlineExceeded
		}
	}

	for _, r := range out {
		if r.Err != nil {
			s.recordFailure(r.Endpoint)
			log.Warn().
				Str("job", job.ID).
				Str("endpoint", r.Endpoint).
				Str("reason", failureReason(r.Err)).
				Err(r.Err).
				Msg("endpoint call failed")
		}
	}
	return out
}

// pick applies the selection policy: first preferred result in priority
// order, then first valid one; within equal validity, warned results rank
// below unwarned ones.
func (s *Selector) pick(job Job, results []Result) (Result, bool) {
	type pass struct {
		want   validity
		warned bool
	}
	passes := []pass{
		{validityPreferred, false},
		{validityPreferred, true},
		{validityValid, false},
		{validityValid, true},
	}

	for _, p := range passes {
		for _, r := range results {
			if !r.OK {
				continue
			}
			v := classifyLength(r.Length, job.InputLength)
			warned := looksUntranslated(job.Content, r.Payload)
			if v == p.want && warned == p.warned {
				r.Warned = warned
				return r, true
			}
		}
	}
	return Result{}, false
}

func classifyLength(length, inputLength int) validity {
	ratio := float64(length) / float64(inputLength)
	switch {
	case ratio < minValidRatio || ratio > maxValidRatio:
		return validityInvalid
	case ratio >= preferredRatio:
		return validityPreferred
	default:
		return validityValid
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "call-error"
	}
}

// looksUntranslated flags output that is likely still in source form: an
// exact echo of the input, or near-total word overlap with it.
func looksUntranslated(input, output string) bool {
	in := strings.TrimSpace(input)
	out := strings.TrimSpace(output)
	if in == "" || out == "" {
		return false
	}
	if in == out {
		return true
	}

	const sample = 120
	inWords := strings.Fields(in)
	if len(inWords) > sample {
		inWords = inWords[:sample]
	}
	seen := make(map[string]struct{}, len(inWords))
	for _, w := range inWords {
		seen[strings.ToLower(w)] = struct{}{}
	}

	outWords := strings.Fields(out)
	if len(outWords) > sample {
		outWords = outWords[:sample]
	}
	if len(outWords) < 5 {
		return false
	}
	overlap := 0
	for _, w := range outWords {
		if _, ok := seen[strings.ToLower(w)]; ok {
			overlap++
		}
	}
	return float64(overlap)/float64(len(outWords)) >= 0.9
}
