// Package orchestrator runs a batch: it builds the task queue from the input
// folder and the checkpoint store, dispatches tasks to a bounded set of
// workers in queue order and collects their outcomes into a summary.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/batch-extractor/internal/checkpoint"
	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
	"github.com/spherical/batch-extractor/internal/output"
	"github.com/spherical/batch-extractor/internal/progress"
	"github.com/spherical/batch-extractor/internal/queue"
)

// Processor runs one task to an outcome. *worker.Worker implements it.
type Processor interface {
	Process(ctx context.Context, task domain.Task) domain.Outcome
}

// Options configures one run.
type Options struct {
	InputDir    string
	OutputDir   string
	Pattern     string
	Range       queue.Range
	Resume      bool // reuse the selection of an interrupted range run
	Adopt       bool
	Concurrency int

	// StateDir holds the run lock and the saved selection. Empty disables both.
	StateDir string
	// Lock takes the flock in StateDir for the duration of the run.
	Lock bool

	ProgressInterval time.Duration
	RunID            string
}

// Orchestrator wires the queue, workers and progress reporting for a run.
type Orchestrator struct {
	store      domain.CheckpointStore
	processor  Processor
	publishers []progress.Publisher
	logger     *observability.Logger
	now        func() time.Time

	onStart func(taskCount int)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher adds a progress surface.
func WithPublisher(p progress.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publishers = append(o.publishers, p)
		}
	}
}

// WithClock replaces the clock used for durations and progress.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithStartHook is called once the queue is built, before dispatch.
func WithStartHook(fn func(taskCount int)) Option {
	return func(o *Orchestrator) {
		o.onStart = fn
	}
}

// New creates an orchestrator.
func New(store domain.CheckpointStore, processor Processor, logger *observability.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = observability.Nop()
	}
	o := &Orchestrator{
		store:     store,
		processor: processor,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan builds the queue without adopting outputs or dispatching anything.
func (o *Orchestrator) Plan(ctx context.Context, opts Options) (*queue.Result, error) {
	return queue.Build(ctx, queue.Options{
		InputDir:  opts.InputDir,
		OutputDir: opts.OutputDir,
		Pattern:   opts.Pattern,
		Range:     opts.Range,
	}, o.store, o.logger)
}

// Run processes the selected tasks. It returns an error only when the run
// could not start; task failures are reported in the Summary. Cancelling ctx
// stops dispatch and lets in-flight tasks finish their commit step.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := o.logger.WithRun(runID).WithOperation("orchestrator")
	started := o.now()

	if opts.StateDir != "" && opts.Lock {
		lock, err := checkpoint.AcquireRunLock(opts.StateDir)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn().Err(err).Msg("Failed to release run lock")
			}
		}()
	}

	if n, err := output.RemoveStaleTemps(opts.OutputDir); err != nil {
		log.Warn().Err(err).Msg("Failed to remove stale temp files")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Removed temp files left by an earlier run")
	}

	sel, err := o.selection(ctx, opts, log)
	if err != nil {
		return nil, err
	}

	rng := sel.rng
	if sel.ids != nil {
		rng = queue.Range{}
	}
	q, err := queue.Build(ctx, queue.Options{
		InputDir:  opts.InputDir,
		OutputDir: opts.OutputDir,
		Pattern:   opts.Pattern,
		Range:     rng,
		Adopt:     opts.Adopt,
		Now:       o.now,
	}, o.store, o.logger)
	if err != nil {
		return nil, fmt.Errorf("build task queue: %w", err)
	}
	tasks := q.Tasks
	if sel.ids != nil {
		tasks = filterByID(tasks, sel.ids)
	}

	summary := &Summary{
		RunID:            runID,
		Discovered:       q.Discovered,
		AlreadyCompleted: q.AlreadyCompleted,
		Adopted:          q.Adopted,
		Selected:         len(tasks),
	}

	if err := o.saveSelection(opts, runID, sel, tasks, started); err != nil {
		log.Warn().Err(err).Msg("Failed to save run state")
	}

	if o.onStart != nil {
		o.onStart(len(tasks))
	}

	reporter := progress.NewReporter(opts.ProgressInterval, o.now)
	reporter.OnStart(len(tasks))

	fanout := progress.NewFanout(o.logger, append([]progress.Publisher{progress.NewLogPublisher(o.logger)}, o.publishers...)...)
	progressCtx, stopProgress := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProgress()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		progress.Drain(progressCtx, reporter.Run(progressCtx), fanout)
	}()

	log.Info().
		Int("tasks", len(tasks)).
		Int("concurrency", opts.Concurrency).
		Msg("Starting batch")

	outcomes := o.dispatch(ctx, tasks, opts.Concurrency, reporter)

	reporter.Finish()
	<-drained

	summary.record(tasks, outcomes)
	summary.Interrupted = ctx.Err() != nil && summary.Completed+summary.Failed < summary.Selected
	summary.Duration = o.now().Sub(started)

	if opts.StateDir != "" && sel.rng.IsSet() && !summary.Interrupted {
		if err := checkpoint.ClearRunState(opts.StateDir); err != nil {
			log.Warn().Err(err).Msg("Failed to clear run state")
		}
	}

	log.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("cancelled", summary.Cancelled).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Bool("interrupted", summary.Interrupted).
		Msg("Batch finished")

	return summary, nil
}

// dispatch feeds tasks in queue order to concurrency workers and returns
// the outcome of every task that was handed to a worker.
func (o *Orchestrator) dispatch(ctx context.Context, tasks []domain.Task, concurrency int, reporter *progress.Reporter) map[string]domain.Outcome {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[string]domain.Outcome, len(tasks))
	)

	work := make(chan domain.Task)
	var g errgroup.Group

	g.Go(func() error {
		defer close(work)
		for _, t := range tasks {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case work <- t:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for t := range work {
				reporter.OnTaskStart(t)
				out := o.processor.Process(ctx, t)
				reporter.OnTaskDone(out)

				mu.Lock()
				outcomes[t.ID] = out
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

type selection struct {
	rng queue.Range
	ids map[string]bool // nil means no pinned selection
}

// selection decides which tasks this run covers: an explicit range wins,
// otherwise a resumed run reuses the saved selection of an interrupted one.
func (o *Orchestrator) selection(ctx context.Context, opts Options, log *observability.Logger) (selection, error) {
	if opts.Range.IsSet() || !opts.Resume || opts.StateDir == "" {
		return selection{rng: opts.Range}, nil
	}

	st, err := checkpoint.LoadRunState(opts.StateDir)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable run state")
		return selection{}, nil
	}
	if st == nil || len(st.TaskIDs) == 0 {
		return selection{}, nil
	}

	ids := make(map[string]bool, len(st.TaskIDs))
	for _, id := range st.TaskIDs {
		ids[id] = true
	}
	log.Info().
		Str("previous_run", st.RunID).
		Int("start", st.Start).
		Int("end", st.End).
		Msg("Resuming selection of interrupted run")

	return selection{rng: queue.Range{Start: st.Start, End: st.End}, ids: ids}, nil
}

func (o *Orchestrator) saveSelection(opts Options, runID string, sel selection, tasks []domain.Task, started time.Time) error {
	if opts.StateDir == "" || !sel.rng.IsSet() || sel.ids != nil {
		return nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return checkpoint.SaveRunState(opts.StateDir, checkpoint.RunState{
		RunID:     runID,
		Start:     sel.rng.Start,
		End:       sel.rng.End,
		Selected:  len(tasks),
		TaskIDs:   ids,
		StartedAt: started.UTC(),
	})
}

// filterByID keeps the remaining tasks of a pinned selection.
func filterByID(tasks []domain.Task, ids map[string]bool) []domain.Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if ids[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Summary is the result of a run.
type Summary struct {
	RunID            string
	Discovered       int
	AlreadyCompleted int
	Adopted          int
	Selected         int

	Completed int
	Failed    int
	Cancelled int // interrupted while in flight
	Skipped   int // never dispatched

	Failures    []domain.Outcome // in queue order
	Duration    time.Duration
	Interrupted bool
}

func (s *Summary) record(tasks []domain.Task, outcomes map[string]domain.Outcome) {
	for _, t := range tasks {
		out, ok := outcomes[t.ID]
		if !ok {
			s.Skipped++
			continue
		}
		switch out.Status {
		case domain.TaskCompleted:
			s.Completed++
		case domain.TaskFailed:
			s.Failed++
			s.Failures = append(s.Failures, out)
		default:
			s.Cancelled++
		}
	}
	sort.SliceStable(s.Failures, func(i, j int) bool {
		return s.Failures[i].Task.Index < s.Failures[j].Task.Index
	})
}

// ExitCode is 130 for an interrupted run, 1 when any task failed and 0
// otherwise.
func (s *Summary) ExitCode() int {
	switch {
	case s.Interrupted:
		return 130
	case s.Failed > 0:
		return 1
	default:
		return 0
	}
}
