package progress

import (
	"context"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// Publisher receives every snapshot of a run.
type Publisher interface {
	Publish(ctx context.Context, snap domain.ProgressSnapshot) error
}

// LogPublisher writes each snapshot as a structured log line.
type LogPublisher struct {
	logger *observability.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	if logger == nil {
		logger = observability.Nop()
	}
	return &LogPublisher{logger: logger.WithOperation("progress")}
}

// Publish logs snap.
func (p *LogPublisher) Publish(_ context.Context, snap domain.ProgressSnapshot) error {
	ev := p.logger.Info().
		Int("total", snap.Total).
		Int("completed", snap.Completed).
		Int("failed", snap.Failed).
		Int("in_progress", snap.InProgress).
		Dur("elapsed", snap.Elapsed.Round(time.Second)).
		Float64("rate_per_min", snap.Rate)
	if snap.ETAKnown {
		ev = ev.Dur("eta", snap.ETA.Round(time.Second))
	} else {
		ev = ev.Str("eta", "unknown")
	}
	if snap.Done {
		ev.Msg("Run settled")
		return nil
	}
	ev.Msg("Progress")
	return nil
}

// Fanout forwards snapshots to several publishers. Publisher errors are
// logged and do not stop the others.
type Fanout struct {
	publishers []Publisher
	logger     *observability.Logger
}

// NewFanout creates a Fanout over non-nil publishers.
func NewFanout(logger *observability.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = observability.Nop()
	}
	f := &Fanout{logger: logger}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	for _, p := range f.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			f.logger.Warn().Err(err).Msg("Progress publish failed")
		}
	}
	return nil
}

// Drain publishes every snapshot from ch until it closes.
func Drain(ctx context.Context, ch <-chan domain.ProgressSnapshot, p Publisher) {
	for snap := range ch {
		_ = p.Publish(ctx, snap)
	}
}
