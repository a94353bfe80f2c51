package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore fails every call, like an unreachable Redis.
type brokenStore struct{}

func (brokenStore) SetNX(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("connection refused") }
func (brokenStore) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyFormat(t *testing.T) {
	k := Key{RunID: "run-1", OverrideVersion: 3, Sequence: 42}
	assert.Equal(t, "crmseed:claim:run-1:v3:42", k.String())
	assert.Equal(t, "crmseed:claim:run-1:", RunPrefix("run-1"))
}

func TestClaimOnceWithinTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	g := NewGuard(store, Options{TTL: time.Minute, Logger: quietLogger()})
	ctx := context.Background()
	k := Key{RunID: "r", OverrideVersion: 1, Sequence: 1}

	first, err := g.Claim(ctx, k)
	require.NoError(t, err)
	second, err := g.Claim(ctx, k)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	now = now.Add(61 * time.Second)
	third, err := g.Claim(ctx, k)
	require.NoError(t, err)
	assert.True(t, third)
}

func TestOverrideVersionIsolatesClaims(t *testing.T) {
	g := NewGuard(NewMemoryStore(), Options{Logger: quietLogger()})
	ctx := context.Background()

	ok, _ := g.Claim(ctx, Key{RunID: "r", OverrideVersion: 1, Sequence: 0})
	assert.True(t, ok)
	ok, _ = g.Claim(ctx, Key{RunID: "r", OverrideVersion: 2, Sequence: 0})
	assert.True(t, ok, "a new override version must not be blocked by old claims")
}

func TestReleaseAndResetAll(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuard(store, Options{Logger: quietLogger()})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := g.Claim(ctx, Key{RunID: "r1", OverrideVersion: 1, Sequence: i})
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ := g.Claim(ctx, Key{RunID: "r10", OverrideVersion: 1, Sequence: 0})
	require.True(t, ok)

	require.NoError(t, g.Release(ctx, Key{RunID: "r1", OverrideVersion: 1, Sequence: 0}))
	ok, _ = g.Claim(ctx, Key{RunID: "r1", OverrideVersion: 1, Sequence: 0})
	assert.True(t, ok)

	n, err := g.ResetAll(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, store.Len(), "r10 shares a textual prefix but is a different run")

	ok, _ = g.Claim(ctx, Key{RunID: "r1", OverrideVersion: 1, Sequence: 3})
	assert.True(t, ok)

	_, err = g.ResetAll(ctx, "")
	assert.Error(t, err)
}

func TestFailOpen(t *testing.T) {
	var degraded atomic.Int32
	g := NewGuard(brokenStore{}, Options{Logger: quietLogger(), OnDegraded: func() { degraded.Add(1) }})

	ok, err := g.Claim(context.Background(), Key{RunID: "r", Sequence: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), degraded.Load())
	assert.Equal(t, FailOpen, g.Policy())
}

func TestFailClosed(t *testing.T) {
	g := NewGuard(brokenStore{}, Options{Policy: FailClosed, Logger: quietLogger()})

	ok, err := g.Claim(context.Background(), Key{RunID: "r", Sequence: 1})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClaimCanceledContext(t *testing.T) {
	g := NewGuard(brokenStore{}, Options{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := g.Claim(ctx, Key{RunID: "r"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)
	p, err = ParsePolicy("FAIL_CLOSED")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

func TestConcurrentClaims(t *testing.T) {
	g := NewGuard(NewMemoryStore(), Options{Logger: quietLogger()})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Claim(ctx, Key{RunID: "race", OverrideVersion: 1, Sequence: 9}); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
