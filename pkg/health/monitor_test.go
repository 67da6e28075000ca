package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
)

// probeStub is a backend whose probe outcome is controlled by the test.
type probeStub struct {
	mu    sync.Mutex
	name  string
	err   error
	delay time.Duration
	calls int
}

func (s *probeStub) Name() string { return s.name }

func (s *probeStub) Capabilities() []backend.Capability {
	return []backend.Capability{backend.CapabilityGeneration}
}

func (s *probeStub) Generate(ctx context.Context, req backend.GenerateRequest) (*backend.GenerateResponse, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &backend.GenerateResponse{Content: "pong"}, nil
}

func (s *probeStub) Search(ctx context.Context, req backend.SearchRequest) (*backend.SearchResponse, error) {
	return nil, backend.ErrUnsupported
}

func (s *probeStub) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *probeStub) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestMonitor(stub *probeStub) *Monitor {
	m := NewMonitor(DefaultConfig())
	m.Register(stub)
	return m
}

func TestProbeSuccessSetsHealthy(t *testing.T) {
	stub := &probeStub{name: "b"}
	m := newTestMonitor(stub)

	result := m.Probe(context.Background(), "b")
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error %q", result.Error)
	}
}

func TestFailureThresholdTransitions(t *testing.T) {
	stub := &probeStub{name: "b", err: errors.New("boom")}
	m := newTestMonitor(stub)

	ctx := context.Background()

	// N-1 consecutive failures leave the backend degraded.
	for i := 0; i < DefaultConfig().FailureThreshold-1; i++ {
		if result := m.Probe(ctx, "b"); result.Status != StatusDegraded {
			t.Fatalf("failure %d: expected degraded, got %s", i+1, result.Status)
		}
	}

	// The Nth flips it to unhealthy.
	if result := m.Probe(ctx, "b"); result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy at threshold, got %s", result.Status)
	}

	// One success resets the counter and the status.
	stub.setErr(nil)
	if result := m.Probe(ctx, "b"); result.Status != StatusHealthy {
		t.Fatalf("expected healthy after success, got %s", result.Status)
	}
	if snap := m.Snapshot()["b"]; snap.ConsecutiveFails != 0 {
		t.Fatalf("expected failure counter reset, got %d", snap.ConsecutiveFails)
	}
}

func TestRepeatedSuccessIsIdempotent(t *testing.T) {
	stub := &probeStub{name: "b"}
	m := newTestMonitor(stub)

	for i := 0; i < 5; i++ {
		if result := m.Probe(context.Background(), "b"); result.Status != StatusHealthy {
			t.Fatalf("probe %d: expected healthy, got %s", i, result.Status)
		}
	}
	if snap := m.Snapshot()["b"]; snap.ConsecutiveFails != 0 {
		t.Fatalf("expected zero failures, got %d", snap.ConsecutiveFails)
	}
}

func TestIsHealthyUsableStatuses(t *testing.T) {
	stub := &probeStub{name: "b", err: errors.New("boom")}
	m := newTestMonitor(stub)
	ctx := context.Background()

	// Degraded still counts as usable.
	m.Probe(ctx, "b")
	if !m.IsHealthy(ctx, "b", false) {
		t.Fatal("degraded backend must be usable")
	}

	m.Probe(ctx, "b")
	m.Probe(ctx, "b")
	if m.IsHealthy(ctx, "b", false) {
		t.Fatal("unhealthy backend must not be usable")
	}
}

func TestIsHealthyUsesCachedStatus(t *testing.T) {
	stub := &probeStub{name: "b"}
	m := newTestMonitor(stub)
	ctx := context.Background()

	m.Probe(ctx, "b")
	before := stub.probeCount()

	for i := 0; i < 10; i++ {
		m.IsHealthy(ctx, "b", false)
	}
	if stub.probeCount() != before {
		t.Fatalf("fresh cached status must not reprobe, got %d extra", stub.probeCount()-before)
	}
}

func TestConcurrentForcedChecksShareOneProbe(t *testing.T) {
	stub := &probeStub{name: "b", delay: 50 * time.Millisecond}
	m := newTestMonitor(stub)
	ctx := context.Background()

	const callers = 8
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			start.Wait()
			if !m.IsHealthy(ctx, "b", true) {
				t.Error("expected healthy")
			}
		}()
	}
	start.Done()
	done.Wait()

	if got := stub.probeCount(); got != 1 {
		t.Fatalf("expected exactly one probe, got %d", got)
	}
}

func TestRecordOutcomeFeedsStateMachine(t *testing.T) {
	stub := &probeStub{name: "b"}
	m := newTestMonitor(stub)

	err := errors.New("call failed")
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		m.RecordOutcome("b", err)
	}
	if snap := m.Snapshot()["b"]; snap.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy from live outcomes, got %s", snap.Status)
	}

	m.RecordOutcome("b", nil)
	if snap := m.Snapshot()["b"]; snap.Status != StatusHealthy || snap.ConsecutiveFails != 0 {
		t.Fatalf("expected recovery, got %+v", snap)
	}
}

func TestUnknownBackend(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	if m.IsHealthy(context.Background(), "ghost", false) {
		t.Fatal("unknown backend must not be healthy")
	}
}

func TestBackgroundLoopProbesOnStart(t *testing.T) {
	stub := &probeStub{name: "b"}
	m := newTestMonitor(stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for stub.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stub.probeCount() == 0 {
		t.Fatal("expected an initial probe from the background loop")
	}
}
