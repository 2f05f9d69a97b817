// Package progress tracks task settlement for a run and turns it into a
// periodic stream of snapshots with throughput and ETA.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
)

// Reporter counts task outcomes. One reporter serves one run.
type Reporter struct {
	mu         sync.Mutex
	total      int
	completed  int
	failed     int
	cancelled  int
	inProgress int
	started    time.Time
	startedSet bool

	interval time.Duration
	now      func() time.Time

	settled  chan struct{} // closed when every task has an outcome
	finished chan struct{} // closed by Finish
	once     sync.Once
	finOnce  sync.Once
}

// NewReporter creates a reporter emitting every interval.
func NewReporter(interval time.Duration, now func() time.Time) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		interval: interval,
		now:      now,
		settled:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// OnStart records the number of tasks in the run and starts the clock.
func (r *Reporter) OnStart(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total = total
	r.started = r.now()
	r.startedSet = true
	r.checkSettledLocked()
}

// OnTaskStart marks a task as in progress.
func (r *Reporter) OnTaskStart(domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress++
}

// OnTaskDone records a task outcome.
func (r *Reporter) OnTaskDone(out domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inProgress > 0 {
		r.inProgress--
	}
	switch out.Status {
	case domain.TaskCompleted:
		r.completed++
	case domain.TaskFailed:
		r.failed++
	default:
		r.cancelled++
	}
	r.checkSettledLocked()
}

// Finish ends the snapshot stream even if tasks remain unsettled, as after
// an interrupt.
func (r *Reporter) Finish() {
	r.finOnce.Do(func() { close(r.finished) })
}

// Snapshot computes the current view.
func (r *Reporter) Snapshot() domain.ProgressSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reporter) snapshotLocked() domain.ProgressSnapshot {
	now := r.now()
	snap := domain.ProgressSnapshot{
		Total:      r.total,
		Completed:  r.completed,
		Failed:     r.failed,
		Cancelled:  r.cancelled,
		InProgress: r.inProgress,
		Timestamp:  now,
	}
	if !r.startedSet {
		return snap
	}

	snap.Elapsed = now.Sub(r.started)
	snap.Done = snap.Settled() >= r.total

	if r.completed > 0 {
		if minutes := snap.Elapsed.Minutes(); minutes > 0 {
			snap.Rate = float64(r.completed) / minutes
		}
		perTask := snap.Elapsed / time.Duration(r.completed)
		snap.ETA = perTask * time.Duration(snap.Remaining())
		snap.ETAKnown = true
	}
	return snap
}

func (r *Reporter) checkSettledLocked() {
	if r.startedSet && r.completed+r.failed+r.cancelled >= r.total {
		r.once.Do(func() { close(r.settled) })
	}
}

// Run emits a snapshot every interval until all tasks settle, Finish is
// called or ctx is done. The last snapshot has Done set and the channel is
// closed after it.
func (r *Reporter) Run(ctx context.Context) <-chan domain.ProgressSnapshot {
	ch := make(chan domain.ProgressSnapshot, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- r.Snapshot():
				case <-ctx.Done():
					return
				}
			case <-r.settled:
				r.emitFinal(ctx, ch)
				return
			case <-r.finished:
				r.emitFinal(ctx, ch)
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *Reporter) emitFinal(ctx context.Context, ch chan<- domain.ProgressSnapshot) {
	snap := r.Snapshot()
	snap.Done = true
	select {
	case ch <- snap:
	case <-ctx.Done():
	}
}
