package race

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloadOfLength builds distinct content of an exact byte length.
func payloadOfLength(seed byte, n int) string {
	return strings.Repeat(string('a'+seed%20), n)
}

func fixedEndpoint(name string, priority, length int) Endpoint {
	payload := payloadOfLength(byte(priority), length)
	return Endpoint{
		Name:     name,
		Priority: priority,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			return payload, nil
		},
	}
}

func failingEndpoint(name string, priority int, err error) Endpoint {
	return Endpoint{
		Name:     name,
		Priority: priority,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			return "", err
		},
	}
}

func testJob(inputLength int) Job {
	return Job{
		ID:             "job-1",
		Content:        strings.Repeat("z", inputLength),
		TargetLanguage: "es",
		InputLength:    inputLength,
	}
}

func TestSelectionPrefersPriorityAmongPreferred(t *testing.T) {
	s := NewSelector(DefaultConfig())

	// All three preferred (>= 90%): the highest-priority endpoint wins even
	// though a backup returned more content.
	got, err := s.Run(context.Background(), testJob(100), []Endpoint{
		fixedEndpoint("primary", 1, 95),
		fixedEndpoint("backup1", 2, 98),
		fixedEndpoint("backup2", 3, 92),
	})
	require.NoError(t, err)
	assert.Len(t, got, 95)
}

func TestSelectionSkipsValidForPreferred(t *testing.T) {
	s := NewSelector(DefaultConfig())

	// Primary is only valid (85%); the first preferred result in priority
	// order wins.
	got, err := s.Run(context.Background(), testJob(100), []Endpoint{
		fixedEndpoint("primary", 1, 85),
		fixedEndpoint("backup1", 2, 95),
		fixedEndpoint("backup2", 3, 92),
	})
	require.NoError(t, err)
	assert.Len(t, got, 95)
}

func TestSelectionFallsBackToOnlyValid(t *testing.T) {
	s := NewSelector(DefaultConfig())

	// 65% and 155% are outside the valid band; 75% is the only usable one.
	got, err := s.Run(context.Background(), testJob(100), []Endpoint{
		fixedEndpoint("primary", 1, 65),
		fixedEndpoint("backup1", 2, 75),
		fixedEndpoint("backup2", 3, 155),
	})
	require.NoError(t, err)
	assert.Len(t, got, 75)
}

func TestSelectionReturnsNothingWhenAllInvalid(t *testing.T) {
	s := NewSelector(DefaultConfig())

	_, err := s.Run(context.Background(), testJob(100), []Endpoint{
		fixedEndpoint("primary", 1, 60),
		fixedEndpoint("backup1", 2, 160),
		fixedEndpoint("backup2", 3, 50),
	})
	assert.ErrorIs(t, err, ErrNoValidResult)
}

func TestWarnedResultDemotedBelowUnwarned(t *testing.T) {
	s := NewSelector(DefaultConfig())
	job := Job{
		ID:             "job-2",
		Content:        strings.Repeat("hello world ", 20),
		TargetLanguage: "es",
	}
	job.InputLength = len(job.Content)

	// Primary echoes the input untranslated; the backup's distinct content
	// of equal validity wins despite lower priority.
	echo := Endpoint{
		Name:     "primary",
		Priority: 1,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			return content, nil
		},
	}
	backup := fixedEndpoint("backup1", 2, job.InputLength)

	got, err := s.Run(context.Background(), job, []Endpoint{echo, backup})
	require.NoError(t, err)
	assert.NotEqual(t, job.Content, got)
}

func TestWarnedResultStillUsedWhenAlone(t *testing.T) {
	s := NewSelector(DefaultConfig())
	job := Job{
		ID:             "job-3",
		Content:        strings.Repeat("hello world ", 20),
		TargetLanguage: "es",
	}
	job.InputLength = len(job.Content)

	echo := Endpoint{
		Name:     "primary",
		Priority: 1,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			return content, nil
		},
	}

	got, err := s.Run(context.Background(), job, []Endpoint{echo})
	require.NoError(t, err)
	assert.Equal(t, job.Content, got)
}

func TestPartialFailuresDegradeGracefully(t *testing.T) {
	s := NewSelector(DefaultConfig())

	got, err := s.Run(context.Background(), testJob(100), []Endpoint{
		failingEndpoint("primary", 1, errors.New("connection refused")),
		fixedEndpoint("backup1", 2, 95),
	})
	require.NoError(t, err)
	assert.Len(t, got, 95)
	assert.Equal(t, 1, s.Failures("primary"))
}

func TestSessionFailureLimitSkipsEndpoint(t *testing.T) {
	s := NewSelector(DefaultConfig())

	calls := 0
	counted := Endpoint{
		Name:     "backup1",
		Priority: 2,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			calls++
			return "", errors.New("down")
		},
	}
	endpoints := []Endpoint{
		fixedEndpoint("primary", 1, 95),
		counted,
	}
	for i := 0; i < sessionFailureLimit; i++ {
		_, err := s.Run(context.Background(), testJob(100), endpoints)
		require.NoError(t, err)
	}
	assert.Equal(t, sessionFailureLimit, calls)

	// Past the limit the endpoint is skipped for the rest of the run.
	_, err := s.Run(context.Background(), testJob(100), endpoints)
	require.NoError(t, err)
	assert.Equal(t, sessionFailureLimit, calls)
}

func TestHighestPriorityEndpointAlwaysAttempted(t *testing.T) {
	s := NewSelector(DefaultConfig())

	primaryCalls := 0
	primary := Endpoint{
		Name:     "primary",
		Priority: 1,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			primaryCalls++
			return "", errors.New("down")
		},
	}
	backup := fixedEndpoint("backup1", 2, 95)

	endpoints := []Endpoint{primary, backup}
	for i := 0; i < sessionFailureLimit+2; i++ {
		_, err := s.Run(context.Background(), testJob(100), endpoints)
		require.NoError(t, err)
	}
	assert.Equal(t, sessionFailureLimit+2, primaryCalls)
}

func TestOuterTimeoutDiscardsPendingCalls(t *testing.T) {
	s := NewSelector(Config{OuterTimeout: 100 * time.Millisecond, CallTimeout: 10 * time.Second})

	hung := Endpoint{
		Name:     "primary",
		Priority: 1,
		Call: func(ctx context.Context, content, lang string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	backup := fixedEndpoint("backup1", 2, 95)

	start := time.Now()
	got, err := s.Run(context.Background(), testJob(100), []Endpoint{hung, backup})
	require.NoError(t, err)
	assert.Len(t, got, 95)
	assert.Less(t, time.Since(start), 5*time.Second, "one hung endpoint must not stall the job")
	assert.Equal(t, 1, s.Failures("primary"))
}

func TestInputLengthRequired(t *testing.T) {
	s := NewSelector(DefaultConfig())

	_, err := s.Run(context.Background(), Job{Content: "text"}, []Endpoint{
		fixedEndpoint("primary", 1, 4),
	})
	assert.Error(t, err)
}

func TestClassifyLengthBoundaries(t *testing.T) {
	tests := []struct {
		length int
		want   validity
	}{
		{69, validityInvalid},
		{70, validityValid},
		{89, validityValid},
		{90, validityPreferred},
		{150, validityPreferred},
		{151, validityInvalid},
	}
	for _, tt := range tests {
		if got := classifyLength(tt.length, 100); got != tt.want {
			t.Fatalf("classifyLength(%d, 100) = %d, want %d", tt.length, got, tt.want)
		}
	}
}
