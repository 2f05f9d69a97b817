package worker

import (
	"context"
	"math"
	"time"
)

// BackoffConfig holds the retry curve for transient failures.
type BackoffConfig struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoffConfig doubles from one second up to thirty.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base: 1 * time.Second,
		Cap:  30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Exponential backoff: base * 2^attempt
	backoff := float64(c.Base) * math.Pow(2, float64(attempt))

	if c.Cap > 0 && backoff > float64(c.Cap) {
		backoff = float64(c.Cap)
	}

	return time.Duration(backoff)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
