package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuccessRateDerivedFromCounters(t *testing.T) {
	l := NewLedger()

	for i := 0; i < 8; i++ {
		l.Record("primary", Outcome{Units: 100, Cost: 0.01})
	}
	l.Record("primary", Outcome{Err: true})
	l.Record("primary", Outcome{Err: true})

	e := l.Entry("primary")
	assert.Equal(t, int64(10), e.Requests)
	assert.Equal(t, int64(2), e.Errors)
	assert.InDelta(t, 80.0, e.SuccessRate(), 0.001)
	assert.InDelta(t, 80.0, l.SuccessRate("primary"), 0.001)
}

func TestSuccessRateUnknownBackend(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, 100.0, l.SuccessRate("never-seen"))
}

func TestLatencyMovingAverage(t *testing.T) {
	l := NewLedger()

	// Seeded at 0: first sample lands at sample*0.1.
	l.Record("primary", Outcome{Latency: 1000 * time.Millisecond})
	assert.InDelta(t, 100.0, l.Entry("primary").AvgLatencyMs, 0.001)

	l.Record("primary", Outcome{Latency: 1000 * time.Millisecond})
	assert.InDelta(t, 190.0, l.Entry("primary").AvgLatencyMs, 0.001)
}

func TestUnitsAndCostAccumulate(t *testing.T) {
	l := NewLedger()

	l.Record("primary", Outcome{Units: 500, Cost: 0.02})
	l.Record("primary", Outcome{Units: 300, Cost: 0.01})

	e := l.Entry("primary")
	assert.Equal(t, int64(800), e.Units)
	assert.InDelta(t, 0.03, e.Cost, 0.0001)
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewLedger()
	l.Record("a", Outcome{})

	snap := l.Snapshot()
	entry := snap["a"]
	entry.Requests = 99
	snap["a"] = entry

	assert.Equal(t, int64(1), l.Entry("a").Requests)
}
