package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/batch-extractor/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestPool(t *testing.T, clock *fakeClock, opts Options, secrets ...string) *Pool {
	t.Helper()
	opts.Now = clock.Now
	p, err := NewPool(secrets, opts, nil)
	require.NoError(t, err)
	return p
}

func TestNewPool_RequiresKeys(t *testing.T) {
	_, err := NewPool(nil, Options{}, nil)
	assert.Error(t, err)
}

func TestPool_LeastRecentlyUsedRotation(t *testing.T) {
	p := newTestPool(t, newFakeClock(), Options{}, "a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		h, ok := p.TryAcquire()
		require.True(t, ok)
		got = append(got, h.Secret)
		p.ReportSuccess(h)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPool_LabelsMaskSecrets(t *testing.T) {
	p := newTestPool(t, newFakeClock(), Options{}, "AIzaSyVerySecretKey1234")

	h, ok := p.TryAcquire()
	require.True(t, ok)
	assert.NotContains(t, h.Label, "VerySecret")
	assert.Contains(t, h.Label, "key#1")
}

func TestPool_WindowLimit(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{PerMinute: 2}, "a")

	for i := 0; i < 2; i++ {
		h, ok := p.TryAcquire()
		require.True(t, ok)
		p.ReportSuccess(h)
	}
	_, ok := p.TryAcquire()
	assert.False(t, ok, "window is full")

	clock.Advance(59 * time.Second)
	_, ok = p.TryAcquire()
	assert.False(t, ok)

	clock.Advance(time.Second)
	_, ok = p.TryAcquire()
	assert.True(t, ok, "oldest issue left the window")
}

func TestPool_MinuteQuotaCoolsDown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{}, "a", "b")

	h, ok := p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, "a", h.Secret)
	p.ReportQuotaExceeded(h, domain.QuotaScopeMinute, 0)

	states := p.Snapshot()
	assert.Equal(t, StatusCooling, states[0].Status)
	assert.Equal(t, clock.Now().Add(time.Minute), states[0].Until)
	assert.Equal(t, 1, states[0].QuotaReports)

	for i := 0; i < 3; i++ {
		h, ok := p.TryAcquire()
		require.True(t, ok)
		assert.Equal(t, "b", h.Secret, "cooling key is skipped")
		p.ReportSuccess(h)
	}

	clock.Advance(time.Minute)
	h, ok = p.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, "a", h.Secret, "recovered key is least recently used")
	assert.Equal(t, StatusAvailable, p.Snapshot()[0].Status)
}

func TestPool_RetryAfterOverridesCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{MinuteCooldown: time.Hour}, "a")

	h, _ := p.TryAcquire()
	p.ReportQuotaExceeded(h, domain.QuotaScopeMinute, 10*time.Second)

	clock.Advance(9 * time.Second)
	_, ok := p.TryAcquire()
	assert.False(t, ok)

	clock.Advance(time.Second)
	_, ok = p.TryAcquire()
	assert.True(t, ok)
}

func TestPool_DailyQuotaUntilUTCMidnight(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{}, "a")

	h, _ := p.TryAcquire()
	p.ReportQuotaExceeded(h, domain.QuotaScopeDay, 0)

	st := p.Snapshot()[0]
	assert.Equal(t, StatusExhausted, st.Status)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), st.Until)

	clock.Advance(13*time.Hour + 59*time.Minute)
	_, ok := p.TryAcquire()
	assert.False(t, ok)

	clock.Advance(time.Minute)
	_, ok = p.TryAcquire()
	assert.True(t, ok)
}

func TestPool_DayCooldownOption(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{DayCooldown: 2 * time.Hour}, "a")

	h, _ := p.TryAcquire()
	p.ReportQuotaExceeded(h, domain.QuotaScopeDay, 0)
	assert.Equal(t, clock.Now().Add(2*time.Hour), p.Snapshot()[0].Until)
}

func TestPool_MinuteReportDoesNotShortenExhaustion(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{}, "a")

	h1, _ := p.TryAcquire()
	h2, _ := p.TryAcquire()
	p.ReportQuotaExceeded(h1, domain.QuotaScopeDay, 0)
	p.ReportQuotaExceeded(h2, domain.QuotaScopeMinute, 0)

	assert.Equal(t, StatusExhausted, p.Snapshot()[0].Status)
}

func TestPool_PerDayBudget(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{PerDay: 2}, "a")

	for i := 0; i < 2; i++ {
		h, ok := p.TryAcquire()
		require.True(t, ok)
		p.ReportSuccess(h)
	}
	st := p.Snapshot()[0]
	assert.Equal(t, StatusExhausted, st.Status)
	assert.Equal(t, 2, st.DayUsed)

	_, ok := p.TryAcquire()
	assert.False(t, ok)

	clock.Advance(14 * time.Hour)
	_, ok = p.TryAcquire()
	assert.True(t, ok, "budget resets at the day boundary")
}

func TestPool_InvalidKeyLeavesRotation(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, Options{AcquireTimeout: time.Hour}, "a")

	h, _ := p.TryAcquire()
	p.ReportInvalid(h)
	assert.Equal(t, StatusInvalid, p.Snapshot()[0].Status)

	clock.Advance(48 * time.Hour)
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoCredentialAvailable, "fails without waiting")

	p.ReportQuotaExceeded(h, domain.QuotaScopeMinute, 0)
	assert.Equal(t, StatusInvalid, p.Snapshot()[0].Status)
}

func TestPool_ExclusiveAllowsOneInFlight(t *testing.T) {
	p := newTestPool(t, newFakeClock(), Options{Exclusive: true}, "a")

	h, ok := p.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, 1, p.Snapshot()[0].InFlight)

	_, ok = p.TryAcquire()
	assert.False(t, ok)

	p.Release(h)
	_, ok = p.TryAcquire()
	assert.True(t, ok)
}

func TestPool_SharedByDefault(t *testing.T) {
	p := newTestPool(t, newFakeClock(), Options{}, "a")

	_, ok := p.TryAcquire()
	require.True(t, ok)
	_, ok = p.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, 2, p.Snapshot()[0].InFlight)
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	p, err := NewPool([]string{"a"}, Options{Exclusive: true, AcquireTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	h, ok := p.TryAcquire()
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.ReportSuccess(h)
	}()

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.Secret)
}

func TestPool_AcquireWaitsForWindow(t *testing.T) {
	p, err := NewPool([]string{"a"}, Options{PerMinute: 1, Window: 50 * time.Millisecond, AcquireTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	h, ok := p.TryAcquire()
	require.True(t, ok)
	p.ReportSuccess(h)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPool_AcquireTimesOut(t *testing.T) {
	p, err := NewPool([]string{"a"}, Options{Exclusive: true, AcquireTimeout: 30 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, ok := p.TryAcquire()
	require.True(t, ok)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoCredentialAvailable)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	p, err := NewPool([]string{"a"}, Options{Exclusive: true, AcquireTimeout: time.Minute}, nil)
	require.NoError(t, err)

	_, ok := p.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// quotaServer answers like a provider enforcing a per-key rolling limit.
type quotaServer struct {
	limit  int
	window time.Duration
	calls  map[string][]time.Time
}

func (s *quotaServer) call(key string, now time.Time) error {
	recent := 0
	for _, at := range s.calls[key] {
		if now.Sub(at) < s.window {
			recent++
		}
	}
	if recent >= s.limit {
		return &domain.QuotaError{Scope: domain.QuotaScopeMinute}
	}
	s.calls[key] = append(s.calls[key], now)
	return nil
}

func TestPool_FairnessUnderBursts(t *testing.T) {
	const (
		keys   = 3
		perKey = 2
		total  = 10 * keys * perKey
	)

	clock := newFakeClock()
	p := newTestPool(t, clock, Options{PerMinute: perKey}, "k1", "k2", "k3")
	server := &quotaServer{limit: perKey, window: time.Minute, calls: map[string][]time.Time{}}

	served, quotaErrors := 0, 0
	for round := 0; served < total && round < 1000; round++ {
		// Bursts larger than the pool can serve at once.
		for i := 0; i < 5 && served < total; i++ {
			h, ok := p.TryAcquire()
			if !ok {
				break
			}
			if err := server.call(h.Secret, clock.Now()); err != nil {
				quotaErrors++
				p.ReportQuotaExceeded(h, domain.QuotaScopeMinute, 0)
				continue
			}
			served++
			p.ReportSuccess(h)
		}
		clock.Advance(7 * time.Second)
	}

	assert.Equal(t, total, served)
	assert.Zero(t, quotaErrors, "the pool never exceeds a key's window")

	for key, calls := range server.calls {
		assert.Len(t, calls, total/keys, "key %s starved or favoured", key)
		for i := perKey; i < len(calls); i++ {
			assert.GreaterOrEqual(t, calls[i].Sub(calls[i-perKey]), time.Minute, "key %s over its window", key)
		}
	}
}
