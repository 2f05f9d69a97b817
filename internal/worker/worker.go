// Package worker runs a single extraction task to a typed outcome: it
// acquires credentials, calls the recognizer, retries what is retryable and
// commits the result as write-then-checkpoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical/batch-extractor/internal/credential"
	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// CredentialPool is the part of credential.Pool a worker uses.
type CredentialPool interface {
	Acquire(ctx context.Context) (credential.Handle, error)
	ReportSuccess(h credential.Handle)
	Release(h credential.Handle)
	ReportQuotaExceeded(h credential.Handle, scope domain.QuotaScope, retryAfter time.Duration)
	ReportInvalid(h credential.Handle)
	Len() int
}

// Config holds the retry policy.
type Config struct {
	RetryLimit            int // attempts allowed for transient failures
	Backoff               BackoffConfig
	MaxCredentialSwitches int // quota-driven switches before giving up, 0 means twice the pool size
}

// Worker processes tasks. It is safe for concurrent use: all shared state
// lives in the pool and the checkpoint store.
type Worker struct {
	pool       CredentialPool
	recognizer domain.Recognizer
	writer     domain.OutputWriter
	store      domain.CheckpointStore
	cfg        Config
	logger     *observability.Logger

	sleep SleepFunc
	now   func() time.Time
}

// Option customises a Worker.
type Option func(*Worker)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(w *Worker) {
		w.sleep = fn
	}
}

// WithClock replaces the clock used for durations and checkpoint times.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// New creates a worker.
func New(
	pool CredentialPool,
	recognizer domain.Recognizer,
	writer domain.OutputWriter,
	store domain.CheckpointStore,
	cfg Config,
	logger *observability.Logger,
	opts ...Option,
) *Worker {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.MaxCredentialSwitches <= 0 {
		cfg.MaxCredentialSwitches = 2 * pool.Len()
	}
	if logger == nil {
		logger = observability.Nop()
	}

	w := &Worker{
		pool:       pool,
		recognizer: recognizer,
		writer:     writer,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs task to completion and never returns an error: every ending
// is an Outcome. Once recognition succeeded, the write-then-checkpoint step
// runs to the end even if ctx is cancelled.
func (w *Worker) Process(ctx context.Context, task domain.Task) domain.Outcome {
	start := w.now()
	log := w.logger.WithTask(task.ID, task.RelPath)

	out := domain.Outcome{Task: task}
	finish := func(status domain.TaskStatus, reason domain.FailureReason, err error) domain.Outcome {
		out.Status = status
		out.Reason = reason
		if err != nil {
			out.Detail = err.Error()
		}
		out.Duration = w.now().Sub(start)
		return out
	}

	transient := 0
	switches := 0
	var lastErr error

	for {
		if ctx.Err() != nil {
			return finish(domain.TaskCancelled, domain.ReasonNone, ctx.Err())
		}

		h, err := w.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return finish(domain.TaskCancelled, domain.ReasonNone, ctx.Err())
			}
			if _, ok := domain.AsQuota(lastErr); ok {
				log.Warn().Err(lastErr).Msg("No credential left after quota errors")
				return finish(domain.TaskFailed, domain.ReasonQuotaExhaustedAllKeys, lastErr)
			}
			log.Warn().Err(err).Msg("No credential available")
			return finish(domain.TaskFailed, domain.ReasonNoCredential, err)
		}

		out.Attempts++
		log.Debug().Str("credential", h.Label).Int("attempt", out.Attempts).Msg("Recognizing document")

		text, err := w.recognizer.Recognize(ctx, task, h.Secret)
		if err == nil {
			cerr := w.commit(context.WithoutCancel(ctx), task, text)
			w.pool.ReportSuccess(h)

			if cerr == nil {
				res := finish(domain.TaskCompleted, domain.ReasonNone, nil)
				log.Info().Dur("duration", res.Duration).Int("attempts", res.Attempts).Msg("Task completed")
				return res
			}

			if isCheckpointFailure(cerr) {
				log.Error().Err(cerr).Msg("Output written but checkpoint failed")
				return finish(domain.TaskFailed, domain.ReasonCheckpoint, cerr)
			}

			// Write failures retry the whole task like a transient error.
			lastErr = cerr
			transient++
			if transient >= w.cfg.RetryLimit {
				log.Error().Err(cerr).Int("attempts", transient).Msg("Write retries exhausted")
				return finish(domain.TaskFailed, domain.ReasonTransientExhausted, cerr)
			}
			if res, stop := w.backoff(ctx, log, transient, cerr, finish); stop {
				return res
			}
			continue
		}

		lastErr = err

		if ctx.Err() != nil {
			w.pool.Release(h)
			return finish(domain.TaskCancelled, domain.ReasonNone, ctx.Err())
		}

		if qe, ok := domain.AsQuota(err); ok {
			w.pool.ReportQuotaExceeded(h, qe.Scope, qe.RetryAfter)
			switches++
			log.Warn().
				Str("credential", h.Label).
				Str("scope", string(qe.Scope)).
				Int("switches", switches).
				Msg("Quota exceeded, switching credential")
			if switches > w.cfg.MaxCredentialSwitches {
				return finish(domain.TaskFailed, domain.ReasonQuotaExhaustedAllKeys, err)
			}
			continue
		}

		if pe, ok := domain.AsPermanent(err); ok {
			if pe.InvalidCredential {
				w.pool.ReportInvalid(h)
				log.Error().Str("credential", h.Label).Err(err).Msg("Credential rejected")
				return finish(domain.TaskFailed, domain.ReasonInvalidCredential, err)
			}
			w.pool.Release(h)
			log.Error().Err(err).Msg("Permanent failure")
			return finish(domain.TaskFailed, domain.ReasonPermanent, err)
		}

		// Transient and unclassified errors.
		w.pool.Release(h)
		transient++
		if transient >= w.cfg.RetryLimit {
			log.Error().Err(err).Int("attempts", transient).Msg("Transient retries exhausted")
			return finish(domain.TaskFailed, domain.ReasonTransientExhausted, err)
		}
		if res, stop := w.backoff(ctx, log, transient, err, finish); stop {
			return res
		}
	}
}

func (w *Worker) backoff(
	ctx context.Context,
	log *observability.Logger,
	failures int,
	cause error,
	finish func(domain.TaskStatus, domain.FailureReason, error) domain.Outcome,
) (domain.Outcome, bool) {
	delay := w.cfg.Backoff.Delay(failures - 1)
	log.Warn().
		Err(cause).
		Int("attempt", failures).
		Int("limit", w.cfg.RetryLimit).
		Dur("backoff", delay).
		Msg("Transient failure, retrying")

	if err := w.sleep(ctx, delay); err != nil {
		return finish(domain.TaskCancelled, domain.ReasonNone, err), true
	}
	return domain.Outcome{}, false
}

// commit writes the output atomically and only then records the checkpoint.
func (w *Worker) commit(ctx context.Context, task domain.Task, text string) error {
	if err := w.writer.Write(task.OutputPath, text); err != nil {
		var we *domain.WriteError
		if errors.As(err, &we) {
			return err
		}
		return &domain.WriteError{Path: task.OutputPath, Err: err}
	}

	rec := domain.CheckpointRecord{
		TaskID:      task.ID,
		OutputPath:  task.OutputPath,
		CompletedAt: w.now().UTC(),
	}
	if err := w.store.MarkCompleted(ctx, rec); err != nil {
		return fmt.Errorf("mark %s completed: %w", task.ID, &checkpointFailure{err: err})
	}
	return nil
}

type checkpointFailure struct {
	err error
}

func (e *checkpointFailure) Error() string { return e.err.Error() }
func (e *checkpointFailure) Unwrap() error { return e.err }

func isCheckpointFailure(err error) bool {
	var cf *checkpointFailure
	return errors.As(err, &cf)
}
