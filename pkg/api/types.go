package api

import (
	"fmt"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// RunRequest is the body of POST /v1/runs and POST /v1/runs/{id}/override.
// Duration is a Go duration string ("90m").
type RunRequest struct {
	Owner       string          `json:"owner"`
	Shape       string          `json:"shape"`
	Total       int             `json:"total"`
	Start       time.Time       `json:"start"`
	Duration    string          `json:"duration"`
	JitterPct   float64         `json:"jitter_pct"`
	Seed        int64           `json:"seed"`
	Mix         store.RecordMix `json:"mix"`
	Credential  string          `json:"credential"`
	Concurrency int             `json:"concurrency"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	// StartNow starts the run right after creation. Ignored by override.
	StartNow bool `json:"start_now,omitempty"`
}

// Spec converts the request into a run spec.
func (r RunRequest) Spec() (*engine.RunSpec, error) {
	var d time.Duration
	if r.Duration != "" {
		parsed, err := time.ParseDuration(r.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", r.Duration, err)
		}
		d = parsed
	}
	return &engine.RunSpec{
		Owner:       r.Owner,
		Shape:       r.Shape,
		Total:       r.Total,
		Start:       r.Start,
		Duration:    d,
		JitterPct:   r.JitterPct,
		Seed:        r.Seed,
		Mix:         r.Mix,
		Credential:  r.Credential,
		Concurrency: r.Concurrency,
		MaxRetries:  r.MaxRetries,
	}, nil
}

// RunResponse is a run with its live execution view, when executing here.
type RunResponse struct {
	*store.Run
	Live       *engine.Report `json:"live,omitempty"`
	DLQPending int            `json:"dlq_pending"`
}

type RunListResponse struct {
	Runs []*store.Run `json:"runs"`
}

type ScheduleItem struct {
	Sequence    int       `json:"sequence"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Kind        string    `json:"kind"`
}

type ScheduleResponse struct {
	RunID           string         `json:"run_id"`
	OverrideVersion int            `json:"override_version"`
	Total           int            `json:"total"`
	Items           []ScheduleItem `json:"items"`
}

type ResetClaimsResponse struct {
	RunID    string `json:"run_id"`
	Released int    `json:"released"`
}

type DLQListResponse struct {
	Entries []*store.DLQEntry `json:"entries"`
}

type AuditListResponse struct {
	Audits []*store.ReplayAudit `json:"audits"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Leader bool   `json:"leader"`
	Epoch  int64  `json:"epoch,omitempty"`
}
