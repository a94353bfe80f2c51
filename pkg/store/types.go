package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change would move a run backwards.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// allowedFrom lists the statuses a run may be in before moving to the target.
var allowedFrom = map[RunStatus][]RunStatus{
	RunStatusRunning:   {RunStatusQueued},
	RunStatusCompleted: {RunStatusRunning},
	RunStatusFailed:    {RunStatusRunning},
	RunStatusAborted:   {RunStatusQueued, RunStatusRunning},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to RunStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// RecordMix weights the record kinds generated by a run.
type RecordMix struct {
	Contacts  int `json:"contacts" yaml:"contacts"`
	Companies int `json:"companies" yaml:"companies"`
	Deals     int `json:"deals" yaml:"deals"`
}

// RunConfig is the immutable parameter snapshot of a run. Changing it requires
// an override, which bumps the run's override version.
type RunConfig struct {
	Total       int           `json:"total"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"duration"`
	Shape       string        `json:"shape"`
	JitterPct   float64       `json:"jitter_pct"`
	Seed        int64         `json:"seed"`
	Mix         RecordMix     `json:"mix"`
	Credential  string        `json:"credential"`
	Concurrency int           `json:"concurrency"`
	MaxRetries  int           `json:"max_retries"`
}

// Run is one user-initiated campaign of scheduled record creation.
type Run struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	Status          RunStatus `json:"status"`
	OverrideVersion int       `json:"override_version"`
	Config          RunConfig `json:"config"`
	TotalItems      int       `json:"total_items"`
	ProcessedItems  int       `json:"processed_items"`
	Succeeded       int       `json:"succeeded"`
	Skipped         int       `json:"skipped"`
	Dead            int       `json:"dead"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StartTime returns the beginning of the run's window.
func (r *Run) StartTime() time.Time { return r.Config.Start }

// EndTime returns the end of the run's window.
func (r *Run) EndTime() time.Time { return r.Config.Start.Add(r.Config.Duration) }

// RunFilter narrows ListRuns.
type RunFilter struct {
	Owner    string
	Statuses []RunStatus
	Limit    int
}

// Counter names a per-run outcome counter.
type Counter string

const (
	CounterSucceeded Counter = "succeeded"
	CounterSkipped   Counter = "skipped"
	CounterDead      Counter = "dead"
)

// FailureCategory classifies why an external call failed.
type FailureCategory string

const (
	CategoryRateLimit  FailureCategory = "rate_limit"
	CategoryNetwork    FailureCategory = "network"
	CategoryTimeout    FailureCategory = "timeout"
	CategoryAuth       FailureCategory = "auth"
	CategoryValidation FailureCategory = "validation"
	CategoryUnknown    FailureCategory = "unknown"
)

// Retryable reports whether failures of this category may be retried.
// Unknown failures count as transient and feed the circuit breaker.
func (c FailureCategory) Retryable() bool {
	switch c {
	case CategoryAuth, CategoryValidation:
		return false
	}
	return true
}

// ParseCategory maps a string onto a known category.
func ParseCategory(s string) (FailureCategory, bool) {
	switch c := FailureCategory(s); c {
	case CategoryRateLimit, CategoryNetwork, CategoryTimeout, CategoryAuth, CategoryValidation, CategoryUnknown:
		return c, true
	}
	return "", false
}

// Payload describes what record an item creates. Content is produced by a
// pluggable generator at call time.
type Payload struct {
	Kind     string `json:"kind"`
	Sequence int    `json:"sequence"`
}

// DLQEntry is a scheduled item whose retries were exhausted or whose failure
// was not retryable.
type DLQEntry struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	OverrideVersion int             `json:"override_version"`
	Sequence        int             `json:"sequence"`
	Payload         Payload         `json:"payload"`
	Category        FailureCategory `json:"category"`
	LastError       string          `json:"last_error"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	FailedAt        time.Time       `json:"failed_at"`
	RetryCount      int             `json:"retry_count"`
	ReplayedAt      *time.Time      `json:"replayed_at,omitempty"`
}

// DLQFilter narrows ListDLQEntries.
type DLQFilter struct {
	RunID           string
	Categories      []FailureCategory
	IncludeReplayed bool
	Limit           int
}

// ReplayAudit is the immutable record of one replay invocation.
type ReplayAudit struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	DryRun         bool            `json:"dry_run"`
	Strategy       string          `json:"strategy"`
	// CandidateCount is how many pending entries matched the filters, before the limit.
	CandidateCount int             `json:"candidate_count"`
	SelectedCount  int             `json:"selected_count"`
	ReplayedCount  int             `json:"replayed_count"`
	Filter         json.RawMessage `json:"filter"`
	Actor          string          `json:"actor,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Lease represents a distributed lock or leadership claim.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // For CAS (Compare-And-Swap) logic
	Epoch     int64     `json:"epoch"`   // Monotonically increasing election term
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns error if the lease is lost or stolen.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state.
	Get(ctx context.Context, name string) (*Lease, error)
}
