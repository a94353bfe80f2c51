package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenBucket(t *testing.T) {
	clk := newClock()
	b := NewTokenBucket(3, 2)
	b.now = clk.Now
	b.last = clk.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, b.TryAdmit(), "token %d", i)
	}
	assert.False(t, b.TryAdmit())
	assert.Equal(t, 500*time.Millisecond, b.RetryAfter())

	clk.Advance(500 * time.Millisecond)
	assert.True(t, b.TryAdmit())
	assert.False(t, b.TryAdmit())

	// refill never exceeds capacity
	clk.Advance(time.Hour)
	assert.InDelta(t, 3.0, b.Tokens(), 1e-9)

	ok, wait, err := b.Take(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestBreakerTransitions(t *testing.T) {
	clk := newClock()
	br := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: 10 * time.Second, Cooldown: 5 * time.Second})
	br.now = clk.Now

	var transitions []string
	br.OnStateChange(func(from, to BreakerState) { transitions = append(transitions, from.String()+">"+to.String()) })

	for i := 0; i < 2; i++ {
		ok, _, _ := br.Allow()
		require.True(t, ok)
		br.Failure(false)
	}
	assert.Equal(t, StateClosed, br.State())

	br.Failure(false)
	assert.Equal(t, StateOpen, br.State())

	ok, _, wait := br.Allow()
	assert.False(t, ok)
	assert.Equal(t, 5*time.Second, wait)

	clk.Advance(5 * time.Second)
	ok, probe, _ := br.Allow()
	assert.True(t, ok)
	assert.True(t, probe)
	assert.Equal(t, StateHalfOpen, br.State())

	// only one probe at a time
	ok, _, _ = br.Allow()
	assert.False(t, ok)

	br.Failure(true)
	assert.Equal(t, StateOpen, br.State())

	clk.Advance(5 * time.Second)
	ok, probe, _ = br.Allow()
	require.True(t, ok)
	br.Success(probe)
	assert.Equal(t, StateClosed, br.State())

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>open", "open>half_open", "half_open>closed"}, transitions)
}

func TestBreakerWindowResetsStreak(t *testing.T) {
	clk := newClock()
	br := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: 10 * time.Second, Cooldown: time.Second})
	br.now = clk.Now

	br.Failure(false)
	br.Failure(false)
	clk.Advance(11 * time.Second)
	br.Failure(false)
	assert.Equal(t, StateClosed, br.State(), "failures outside the window do not accumulate")

	br.Success(false)
	br.Failure(false)
	br.Failure(false)
	assert.Equal(t, StateClosed, br.State(), "a success breaks the streak")
	br.Failure(false)
	assert.Equal(t, StateOpen, br.State())
}

func TestBreakerReleaseProbe(t *testing.T) {
	clk := newClock()
	br := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	br.now = clk.Now

	br.Failure(false)
	clk.Advance(time.Second)
	ok, probe, _ := br.Allow()
	require.True(t, ok)
	br.Release(probe)

	ok, probe, _ = br.Allow()
	assert.True(t, ok, "released probe slot can be reused")
	assert.True(t, probe)
}

type countingBucket struct {
	takes int
	allow bool
	err   error
}

func (c *countingBucket) Take(context.Context) (bool, time.Duration, error) {
	c.takes++
	return c.allow, 250 * time.Millisecond, c.err
}

func TestGovernorAdmit(t *testing.T) {
	clk := newClock()
	bucket := &countingBucket{allow: true}
	br := NewBreaker(BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second})
	br.now = clk.Now
	g := New("acct", bucket, br, quietLogger())
	ctx := context.Background()

	d := g.Admit(ctx)
	require.Equal(t, Admitted, d.Kind)
	d.Permit.Done(OutcomeUpstreamFailure)
	d.Permit.Done(OutcomeUpstreamFailure) // second Done is ignored

	d = g.Admit(ctx)
	require.Equal(t, Admitted, d.Kind)
	d.Permit.Done(OutcomeUpstreamFailure)
	assert.Equal(t, StateOpen, br.State())

	takes := bucket.takes
	for i := 0; i < 5; i++ {
		d = g.Admit(ctx)
		assert.Equal(t, DeniedCircuitOpen, d.Kind)
		assert.Nil(t, d.Permit)
	}
	assert.Equal(t, takes, bucket.takes, "an open circuit must not spend tokens")

	clk.Advance(30 * time.Second)
	bucket.allow = false
	d = g.Admit(ctx)
	assert.Equal(t, DeniedRateLimit, d.Kind)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	bucket.allow = true
	d = g.Admit(ctx)
	require.Equal(t, Admitted, d.Kind)
	assert.True(t, d.Permit.Probe(), "probe slot was returned after the rate-limit denial")
	d.Permit.Done(OutcomeSuccess)
	assert.Equal(t, StateClosed, br.State())
}

func TestGovernorNonRetryableDoesNotTrip(t *testing.T) {
	g := New("acct", &countingBucket{allow: true}, NewBreaker(BreakerConfig{FailureThreshold: 1}), quietLogger())
	for i := 0; i < 10; i++ {
		d := g.Admit(context.Background())
		require.Equal(t, Admitted, d.Kind)
		d.Permit.Done(OutcomeOther)
	}
	assert.Equal(t, StateClosed, g.Breaker().State())
}

func TestGovernorBucketErrorAdmits(t *testing.T) {
	g := New("acct", &countingBucket{err: errors.New("redis down")}, NewBreaker(BreakerConfig{}), quietLogger())
	d := g.Admit(context.Background())
	assert.Equal(t, Admitted, d.Kind)
	d.Permit.Cancel()
}

func TestRegistrySharesGovernor(t *testing.T) {
	var changes []string
	r := NewRegistry(RegistryConfig{
		Capacity:        1,
		RefillPerSecond: 1,
		Breaker:         BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		Logger:          quietLogger(),
		OnStateChange: func(cred string, _, to BreakerState) {
			changes = append(changes, cred+":"+to.String())
		},
	})

	a := r.Get("acct-1")
	assert.Same(t, a, r.Get("acct-1"))
	assert.NotSame(t, a, r.Get("acct-2"))

	d := a.Admit(context.Background())
	require.Equal(t, Admitted, d.Kind)
	d.Permit.Done(OutcomeUpstreamFailure)

	assert.Equal(t, []string{"acct-1:open"}, changes)
	assert.Equal(t, StateOpen, r.States()["acct-1"])
	assert.Equal(t, StateClosed, r.States()["acct-2"])
}

func TestBackoff(t *testing.T) {
	b := &ExponentialBackoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 800*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(10))
	assert.Equal(t, 100*time.Millisecond, b.Next(-1))

	j := &ExponentialBackoff{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := j.Next(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
