package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordTiming(t *testing.T) {
	c := NewCollector()

	c.RecordTiming(OpDial, 10*time.Millisecond)
	c.RecordTiming(OpDial, 30*time.Millisecond)
	c.RecordTiming(OpCommand, 5*time.Millisecond)

	snap := c.GetSnapshot()
	require.Contains(t, snap.Operations, OpDial)

	dial := snap.Operations[OpDial]
	assert.Equal(t, int64(2), dial.Count)
	assert.Equal(t, int64(40), dial.TotalTimeMs)
	assert.Equal(t, 20.0, dial.AvgTimeMs)
	assert.Equal(t, int64(10), dial.MinTimeMs)
	assert.Equal(t, int64(30), dial.MaxTimeMs)

	assert.Equal(t, int64(1), snap.Operations[OpCommand].Count)
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.Inc(CounterJobsStarted)
	c.Inc(CounterJobsStarted)
	c.Inc(CounterJobsFailed)

	assert.Equal(t, int64(2), c.Counter(CounterJobsStarted))
	assert.Equal(t, int64(1), c.Counter(CounterJobsFailed))
	assert.Equal(t, int64(0), c.Counter(CounterJobsCancelled))

	snap := c.GetSnapshot()
	assert.Equal(t, int64(2), snap.Counters[CounterJobsStarted])
}

func TestCollector_EmptySnapshot(t *testing.T) {
	c := NewCollector()

	snap := c.GetSnapshot()
	assert.Empty(t, snap.Operations)
	assert.Empty(t, snap.Counters)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector()

	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				c.RecordTiming(OpBulkTarget, time.Millisecond)
				c.Inc(CounterJobsCompleted)
				_ = c.GetSnapshot()
			}
		}()
	}
	for range 8 {
		<-done
	}

	assert.Equal(t, int64(800), c.Counter(CounterJobsCompleted))
	assert.Equal(t, int64(800), c.GetSnapshot().Operations[OpBulkTarget].Count)
}
