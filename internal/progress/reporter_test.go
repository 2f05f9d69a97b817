package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/batch-extractor/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func done(status domain.TaskStatus) domain.Outcome {
	return domain.Outcome{Status: status}
}

func TestReporter_ETAUnknownBeforeFirstCompletion(t *testing.T) {
	clock := newFakeClock()
	r := NewReporter(time.Second, clock.Now)
	r.OnStart(4)

	clock.Advance(time.Minute)
	r.OnTaskStart(domain.Task{})
	r.OnTaskDone(done(domain.TaskFailed))

	snap := r.Snapshot()
	assert.False(t, snap.ETAKnown)
	assert.Zero(t, snap.ETA)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 3, snap.Remaining())
}

func TestReporter_ETAStrictlyDecreases(t *testing.T) {
	clock := newFakeClock()
	r := NewReporter(time.Second, clock.Now)
	const total = 6
	r.OnStart(total)

	var last time.Duration
	for i := 1; i <= total; i++ {
		r.OnTaskStart(domain.Task{})
		clock.Advance(30 * time.Second)
		r.OnTaskDone(done(domain.TaskCompleted))

		snap := r.Snapshot()
		require.True(t, snap.ETAKnown)
		assert.GreaterOrEqual(t, snap.ETA, time.Duration(0))
		if i > 1 {
			assert.Less(t, snap.ETA, last, "completion %d", i)
		}
		assert.Equal(t, time.Duration(total-i)*30*time.Second, snap.ETA)
		last = snap.ETA
	}

	final := r.Snapshot()
	assert.True(t, final.Done)
	assert.Zero(t, final.ETA)
	assert.InDelta(t, 2.0, final.Rate, 0.001)
}

func TestReporter_InProgressTracking(t *testing.T) {
	r := NewReporter(time.Second, newFakeClock().Now)
	r.OnStart(3)
	r.OnTaskStart(domain.Task{})
	r.OnTaskStart(domain.Task{})
	assert.Equal(t, 2, r.Snapshot().InProgress)

	r.OnTaskDone(done(domain.TaskCancelled))
	snap := r.Snapshot()
	assert.Equal(t, 1, snap.InProgress)
	assert.Equal(t, 1, snap.Cancelled)
	assert.False(t, snap.Done)
}

func TestReporter_RunEndsWhenSettled(t *testing.T) {
	r := NewReporter(10*time.Millisecond, nil)
	r.OnStart(2)

	ch := r.Run(context.Background())

	r.OnTaskStart(domain.Task{})
	r.OnTaskDone(done(domain.TaskCompleted))
	r.OnTaskStart(domain.Task{})
	r.OnTaskDone(done(domain.TaskFailed))

	var snaps []domain.ProgressSnapshot
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				require.NotEmpty(t, snaps)
				final := snaps[len(snaps)-1]
				assert.True(t, final.Done)
				assert.Equal(t, 1, final.Completed)
				assert.Equal(t, 1, final.Failed)
				return
			}
			snaps = append(snaps, s)
		case <-timeout:
			t.Fatal("snapshot stream did not end")
		}
	}
}

func TestReporter_RunEndsOnFinish(t *testing.T) {
	r := NewReporter(time.Hour, nil)
	r.OnStart(5)
	ch := r.Run(context.Background())

	r.Finish()

	select {
	case s := <-ch:
		assert.True(t, s.Done)
		assert.Equal(t, 5, s.Remaining())
	case <-time.After(2 * time.Second):
		t.Fatal("no final snapshot")
	}
	_, ok := <-ch
	assert.False(t, ok)
}

func TestReporter_EmptyRunSettlesImmediately(t *testing.T) {
	r := NewReporter(time.Hour, nil)
	r.OnStart(0)
	ch := r.Run(context.Background())

	select {
	case s := <-ch:
		assert.True(t, s.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("no final snapshot")
	}
}
