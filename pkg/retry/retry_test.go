package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
)

func recordingPolicy(slept *[]time.Duration) Policy {
	return DefaultPolicy().WithSleep(func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	})
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{10, 10 * time.Second}, // 1.5^10 > 10s cap
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), "b", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &backend.Error{Status: 500, Err: errors.New("server error")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 1500*time.Millisecond {
		t.Fatalf("unexpected backoff sequence %v", slept)
	}
}

func TestDoStopsAfterBudget(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)

	calls := 0
	wantErr := &backend.Error{Status: 503, Err: errors.New("unavailable")}
	err := p.Do(context.Background(), "b", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != DefaultMaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", DefaultMaxRetries+1, calls)
	}
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), "b", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &backend.RateLimitedError{Backend: "b", RetryAfter: 42 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(slept) != 1 || slept[0] != 42*time.Second {
		t.Fatalf("expected exact 42s hint sleep, got %v", slept)
	}
}

func TestDoNeverRetriesAuthErrors(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)

	calls := 0
	authErr := &backend.Error{Status: 401, Err: errors.New("bad key")}
	err := p.Do(context.Background(), "b", func(ctx context.Context) error {
		calls++
		return authErr
	})
	if !errors.As(err, new(*backend.Error)) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("auth error must not be retried, got %d calls", calls)
	}
	if len(slept) != 0 {
		t.Fatalf("no backoff expected, got %v", slept)
	}
}

func TestDoAbortsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := DefaultPolicy().Do(ctx, "b", func(ctx context.Context) error {
		calls++
		cancel()
		return &backend.Error{Status: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call after cancel, got %d", calls)
	}
}
