// Package credential manages a rotating pool of API keys, each with its own
// rate-limit window, daily budget and cooldown state.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// Status is the state of one credential.
type Status int

const (
	StatusAvailable Status = iota
	StatusCooling
	StatusExhausted
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusCooling:
		return "cooling"
	case StatusExhausted:
		return "exhausted"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Options configures pool policy. Zero limits mean unlimited.
type Options struct {
	PerMinute      int           // max requests per Window per key
	PerDay         int           // max requests per day per key
	Window         time.Duration // rolling rate-limit window, default one minute
	MinuteCooldown time.Duration // cooldown after a per-minute quota error, default Window
	DayCooldown    time.Duration // cooldown after daily exhaustion, 0 means next UTC midnight
	Exclusive      bool          // at most one in-flight request per key
	AcquireTimeout time.Duration // bounded wait in Acquire, default five minutes

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Handle identifies a credential handed out by Acquire. It is a value: the
// pool keeps the state.
type Handle struct {
	index  int
	Label  string
	Secret string
}

// Index is the position of the credential in the pool.
func (h Handle) Index() int {
	return h.index
}

// State is a read-only view of one credential, for status output.
type State struct {
	Label        string
	Status       Status
	Until        time.Time
	WindowUsed   int
	DayUsed      int
	InFlight     int
	TotalIssued  int
	QuotaReports int
}

type entry struct {
	secret string
	label  string

	status Status
	until  time.Time // end of cooldown for Cooling and Exhausted

	window   []time.Time // issue times inside the rolling window, oldest first
	dayCount int
	dayReset time.Time

	lastUsed uint64 // acquisition sequence, 0 = never used
	inFlight int

	issued       int
	quotaReports int
}

// Pool hands out credentials least-recently-used first, skipping keys that
// are cooling, exhausted, invalid or at their window limit.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	opts    Options
	seq     uint64
	wake    chan struct{} // closed and replaced on every release or state change
	logger  *observability.Logger
}

// NewPool creates a pool over the given secrets.
func NewPool(secrets []string, opts Options, logger *observability.Logger) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, domain.ConfigError("credential pool needs at least one key", nil)
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MinuteCooldown <= 0 {
		opts.MinuteCooldown = opts.Window
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = observability.Nop()
	}

	now := opts.Now()
	entries := make([]*entry, len(secrets))
	for i, s := range secrets {
		entries[i] = &entry{
			secret:   s,
			label:    fmt.Sprintf("key#%d (%s)", i+1, observability.MaskSecret(s)),
			dayReset: nextUTCMidnight(now),
		}
	}

	return &Pool{
		entries: entries,
		opts:    opts,
		wake:    make(chan struct{}),
		logger:  logger.WithOperation("credential-pool"),
	}, nil
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.entries)
}

// TryAcquire returns a usable credential without waiting.
func (p *Pool) TryAcquire() (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok, _ := p.pickLocked(p.opts.Now())
	return h, ok
}

// Acquire waits up to the configured timeout for a usable credential. It
// returns domain.ErrNoCredentialAvailable when none frees up in time, or
// immediately when no credential can ever become usable within the deadline.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	deadline := p.opts.Now().Add(p.opts.AcquireTimeout)

	for {
		p.mu.Lock()
		now := p.opts.Now()
		h, ok, next := p.pickLocked(now)
		if ok {
			p.mu.Unlock()
			return h, nil
		}
		wake := p.wake
		inFlight := p.inFlightLocked()
		p.mu.Unlock()

		if !now.Before(deadline) {
			return Handle{}, domain.ErrNoCredentialAvailable
		}
		// Nothing will free up before the deadline: time alone cannot help
		// and there is no in-flight request whose release could.
		if inFlight == 0 && (next.IsZero() || next.After(deadline)) {
			return Handle{}, domain.ErrNoCredentialAvailable
		}

		wait := deadline.Sub(now)
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Handle{}, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ReportSuccess returns the credential after a successful call.
func (p *Pool) ReportSuccess(h Handle) {
	p.release(h, func(e *entry, now time.Time) {})
}

// Release returns the credential after a call that failed for reasons not
// attributable to the key, such as a network error.
func (p *Pool) Release(h Handle) {
	p.release(h, func(e *entry, now time.Time) {})
}

// ReportQuotaExceeded puts the credential into cooldown. Per-minute limits
// cool for retryAfter or the minute cooldown; daily limits exhaust the key
// until retryAfter or the day boundary.
func (p *Pool) ReportQuotaExceeded(h Handle, scope domain.QuotaScope, retryAfter time.Duration) {
	p.release(h, func(e *entry, now time.Time) {
		e.quotaReports++
		if e.status == StatusInvalid {
			return
		}
		if scope == domain.QuotaScopeDay {
			until := p.dayBoundary(now)
			if retryAfter > 0 {
				until = now.Add(retryAfter)
			}
			e.status = StatusExhausted
			e.until = until
			p.logger.Warn().Str("credential", e.label).Time("until", until).Msg("Daily quota exhausted")
			return
		}

		cooldown := p.opts.MinuteCooldown
		if retryAfter > 0 {
			cooldown = retryAfter
		}
		until := now.Add(cooldown)
		if e.status == StatusExhausted && e.until.After(until) {
			return
		}
		e.status = StatusCooling
		e.until = until
		p.logger.Info().Str("credential", e.label).Dur("cooldown", cooldown).Msg("Rate limited, cooling down")
	})
}

// ReportInvalid removes the credential from rotation for the rest of the run.
func (p *Pool) ReportInvalid(h Handle) {
	p.release(h, func(e *entry, now time.Time) {
		e.status = StatusInvalid
		e.until = time.Time{}
		p.logger.Error().Str("credential", e.label).Msg("Credential rejected, removed from rotation")
	})
}

// Snapshot returns the current state of every credential.
func (p *Pool) Snapshot() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	out := make([]State, len(p.entries))
	for i, e := range p.entries {
		p.refreshLocked(e, now)
		out[i] = State{
			Label:        e.label,
			Status:       e.status,
			Until:        e.until,
			WindowUsed:   len(e.window),
			DayUsed:      e.dayCount,
			InFlight:     e.inFlight,
			TotalIssued:  e.issued,
			QuotaReports: e.quotaReports,
		}
	}
	return out
}

func (p *Pool) release(h Handle, update func(e *entry, now time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.index < 0 || h.index >= len(p.entries) {
		return
	}
	e := p.entries[h.index]
	if e.inFlight > 0 {
		e.inFlight--
	}
	update(e, p.opts.Now())
	p.broadcastLocked()
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) inFlightLocked() int {
	n := 0
	for _, e := range p.entries {
		n += e.inFlight
	}
	return n
}

// pickLocked selects the least recently used eligible credential and records
// the issue. When none is eligible it returns the earliest time at which one
// may become eligible by the clock alone (zero if never).
func (p *Pool) pickLocked(now time.Time) (Handle, bool, time.Time) {
	var best *entry
	bestIdx := -1
	var next time.Time

	for i, e := range p.entries {
		p.refreshLocked(e, now)

		ready, at := p.readyAtLocked(e, now)
		if !ready {
			if !at.IsZero() && (next.IsZero() || at.Before(next)) {
				next = at
			}
			continue
		}
		if best == nil || e.lastUsed < best.lastUsed {
			best = e
			bestIdx = i
		}
	}

	if best == nil {
		return Handle{}, false, next
	}

	p.seq++
	best.lastUsed = p.seq
	best.window = append(best.window, now)
	best.dayCount++
	best.inFlight++
	best.issued++

	if p.opts.PerDay > 0 && best.dayCount >= p.opts.PerDay {
		best.status = StatusExhausted
		best.until = p.dayBoundary(now)
		p.logger.Info().Str("credential", best.label).Int("day_used", best.dayCount).Msg("Daily budget spent")
	}

	return Handle{index: bestIdx, Label: best.label, Secret: best.secret}, true, time.Time{}
}

// readyAtLocked reports whether e can be issued now, and otherwise when the
// clock alone will make it eligible. Exclusive in-flight keys return a zero
// time: only a release can free them.
func (p *Pool) readyAtLocked(e *entry, now time.Time) (bool, time.Time) {
	switch e.status {
	case StatusInvalid:
		return false, time.Time{}
	case StatusCooling, StatusExhausted:
		return false, e.until
	}

	var at time.Time
	if p.opts.PerMinute > 0 && len(e.window) >= p.opts.PerMinute {
		at = e.window[len(e.window)-p.opts.PerMinute].Add(p.opts.Window)
	}
	if p.opts.Exclusive && e.inFlight > 0 {
		if at.IsZero() {
			return false, time.Time{}
		}
		return false, at
	}
	if !at.IsZero() {
		return false, at
	}
	return true, time.Time{}
}

// refreshLocked applies timestamp-driven transitions.
func (p *Pool) refreshLocked(e *entry, now time.Time) {
	if !now.Before(e.dayReset) {
		e.dayCount = 0
		e.dayReset = nextUTCMidnight(now)
	}

	if (e.status == StatusCooling || e.status == StatusExhausted) && !now.Before(e.until) {
		if e.status == StatusExhausted {
			e.dayCount = 0
		}
		e.status = StatusAvailable
		e.until = time.Time{}
		p.logger.Debug().Str("credential", e.label).Msg("Credential available again")
	}

	cutoff := now.Add(-p.opts.Window)
	drop := 0
	for drop < len(e.window) && !e.window[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.window = append(e.window[:0], e.window[drop:]...)
	}
}

func (p *Pool) dayBoundary(now time.Time) time.Time {
	if p.opts.DayCooldown > 0 {
		return now.Add(p.opts.DayCooldown)
	}
	return nextUTCMidnight(now)
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
