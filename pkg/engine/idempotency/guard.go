// Package idempotency gives every scheduled item a claim key and enforces
// claim-once execution across workers and processes.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrUnavailable is returned by Claim under the fail_closed policy when the
// claim store cannot be reached.
var ErrUnavailable = errors.New("idempotency store unavailable")

const keyPrefix = "crmseed:claim:"

// DefaultTTL outlives the longest an item can stay in flight.
const DefaultTTL = 24 * time.Hour

// Key identifies one logical unit of work.
type Key struct {
	RunID           string
	OverrideVersion int
	Sequence        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s%s:v%d:%d", keyPrefix, k.RunID, k.OverrideVersion, k.Sequence)
}

// RunPrefix scopes every claim of a run, across all override versions.
func RunPrefix(runID string) string {
	return keyPrefix + runID + ":"
}

// ClaimStore is an atomic set-if-absent store with expiry.
type ClaimStore interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Policy decides what Claim does when the store is down.
type Policy string

const (
	FailOpen   Policy = "fail_open"
	FailClosed Policy = "fail_closed"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case FailOpen, FailClosed:
		return p, nil
	case "":
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown idempotency policy %q", s)
}

type Options struct {
	TTL    time.Duration
	Policy Policy
	Logger *slog.Logger
	// OnDegraded is called each time a claim is granted without the store.
	OnDegraded func()
}

// Guard is the only owner of claims.
type Guard struct {
	store      ClaimStore
	ttl        time.Duration
	policy     Policy
	logger     *slog.Logger
	onDegraded func()
}

func NewGuard(store ClaimStore, opts Options) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		store:      store,
		ttl:        opts.TTL,
		policy:     opts.Policy,
		logger:     opts.Logger,
		onDegraded: opts.OnDegraded,
	}
}

func (g *Guard) Policy() Policy { return g.policy }

// Claim returns true only for the first caller of key within the TTL.
func (g *Guard) Claim(ctx context.Context, key Key) (bool, error) {
	ok, err := g.store.SetNX(ctx, key.String(), g.ttl)
	if err == nil {
		return ok, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if g.policy == FailClosed {
		g.logger.Warn("idempotency_unavailable", "key", key.String(), "error", err)
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	g.logger.Warn("idempotency_degraded", "key", key.String(), "run_id", key.RunID, "seq", key.Sequence, "error", err)
	if g.onDegraded != nil {
		g.onDegraded()
	}
	return true, nil
}

// Release drops a claim so a retry or replay can take it again.
func (g *Guard) Release(ctx context.Context, key Key) error {
	if err := g.store.Delete(ctx, key.String()); err != nil {
		g.logger.Warn("idempotency_release_failed", "key", key.String(), "error", err)
		return err
	}
	return nil
}

// ResetAll removes every claim scoped to runID and returns how many went.
func (g *Guard) ResetAll(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, errors.New("run id is required")
	}
	n, err := g.store.DeletePrefix(ctx, RunPrefix(runID))
	if err != nil {
		return n, fmt.Errorf("failed to reset claims for run %s: %w", runID, err)
	}
	g.logger.Info("claims_reset", "run_id", runID, "count", n)
	return n, nil
}
