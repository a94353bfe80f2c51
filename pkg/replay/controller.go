package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// ErrInvalidRequest is returned for malformed replay requests.
var ErrInvalidRequest = errors.New("invalid replay request")

// Submitter re-injects items into a run; *engine.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, runID string, items []*engine.ScheduledItem) error
}

// Request describes one replay invocation.
type Request struct {
	RunID        string   `json:"run_id"`
	JobIDs       []string `json:"job_ids,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Limit        int      `json:"limit"`
	Strategy     string   `json:"strategy"`
	DryRun       bool     `json:"dry_run"`
	UseFullRetry bool     `json:"use_full_retry,omitempty"`
	// Seed makes the random strategy reproducible.
	Seed *int64 `json:"seed,omitempty"`
	// Meta is free-form operator context stored with the audit, minus secrets.
	Meta  map[string]any `json:"meta,omitempty"`
	Actor string         `json:"-"`
}

func (r Request) selection() (Selection, error) {
	if r.RunID == "" {
		return Selection{}, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if r.Limit < 0 {
		return Selection{}, fmt.Errorf("%w: limit must be >= 0", ErrInvalidRequest)
	}
	strategy, err := ParseStrategy(r.Strategy)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{JobIDs: r.JobIDs, Limit: r.Limit, Strategy: strategy}
	for _, c := range r.Categories {
		cat, ok := store.ParseCategory(c)
		if !ok {
			return Selection{}, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, c)
		}
		sel.Categories = append(sel.Categories, cat)
	}
	return sel, nil
}

// filterJSON is the audit record of what was asked for.
func (r Request) filterJSON(strategy Strategy) json.RawMessage {
	filter := map[string]any{
		"run_id":   r.RunID,
		"limit":    r.Limit,
		"strategy": string(strategy),
	}
	if len(r.JobIDs) > 0 {
		filter["job_ids"] = r.JobIDs
	}
	if len(r.Categories) > 0 {
		filter["categories"] = r.Categories
	}
	if r.UseFullRetry && !r.DryRun {
		filter["use_full_retry"] = true
	}
	if r.Seed != nil {
		filter["seed"] = *r.Seed
	}
	if len(r.Meta) > 0 {
		filter["meta"] = sanitize(r.Meta)
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Controller selects dead letters and feeds them back to the executor.
type Controller struct {
	store  *store.Store
	exec   Submitter
	logger *slog.Logger
	now    func() time.Time
}

func NewController(st *store.Store, exec Submitter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, exec: exec, logger: logger, now: time.Now}
}

// Replay selects dead letters of the run's current override version and,
// unless dry-running, marks them replayed and submits them for execution.
// Every call records an audit row.
func (c *Controller) Replay(ctx context.Context, req Request) (*store.ReplayAudit, error) {
	sel, err := req.selection()
	if err != nil {
		return nil, err
	}
	run, err := c.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	pending, err := c.store.ListDLQEntries(ctx, store.DLQFilter{RunID: run.ID})
	if err != nil {
		return nil, err
	}
	candidates := pending[:0:0]
	for _, e := range pending {
		if e.OverrideVersion == run.OverrideVersion {
			candidates = append(candidates, e)
		}
	}
	if stale := len(pending) - len(candidates); stale > 0 {
		c.logger.Info("replay_stale_entries_ignored", "run_id", run.ID, "count", stale, "version", run.OverrideVersion)
	}

	var rng *rand.Rand
	if req.Seed != nil {
		rng = rand.New(rand.NewSource(*req.Seed))
	}
	// Candidates are the filter matches before the limit.
	matched := MatchCandidates(candidates, sel)
	selected := pick(matched, sel, rng)

	audit := &store.ReplayAudit{
		RunID:          run.ID,
		DryRun:         req.DryRun,
		Strategy:       string(sel.Strategy),
		CandidateCount: len(matched),
		SelectedCount:  len(selected),
		Filter:         req.filterJSON(sel.Strategy),
		Actor:          req.Actor,
	}

	if req.DryRun {
		audit.ReplayedCount = len(selected)
	} else {
		n, err := c.inject(ctx, run, selected, req.UseFullRetry)
		if err != nil {
			return nil, err
		}
		audit.ReplayedCount = n
	}

	if err := c.store.InsertReplayAudit(ctx, audit); err != nil {
		return nil, err
	}

	engine.Replays.WithLabelValues(strconv.FormatBool(req.DryRun)).Inc()
	if !req.DryRun {
		engine.ReplayedItems.Add(float64(audit.ReplayedCount))
	}
	c.logger.Info("replay_completed",
		"run_id", run.ID,
		"dry_run", req.DryRun,
		"strategy", sel.Strategy,
		"candidates", audit.CandidateCount,
		"selected", audit.SelectedCount,
		"replayed", audit.ReplayedCount,
		"actor", req.Actor,
	)
	return audit, nil
}

// inject consumes the selected entries and submits them. Entries taken by a
// concurrent replay are skipped. On submit failure the marks are undone.
func (c *Controller) inject(ctx context.Context, run *store.Run, selected []*store.DLQEntry, fullRetry bool) (int, error) {
	now := c.now().UTC()
	items := make([]*engine.ScheduledItem, 0, len(selected))
	ids := make([]string, 0, len(selected))

	for _, e := range selected {
		ok, err := c.store.MarkReplayed(ctx, e.ID, now)
		if err != nil {
			c.rollback(ctx, run.ID, ids)
			return 0, err
		}
		if !ok {
			continue
		}
		ids = append(ids, e.ID)
		items = append(items, engine.ReplayItem(e, run.Config.MaxRetries, fullRetry))
	}
	if len(items) == 0 {
		return 0, nil
	}

	if err := c.store.AddToCounter(ctx, run.ID, store.CounterDead, -len(items)); err != nil {
		c.rollback(ctx, run.ID, ids)
		return 0, err
	}
	if err := c.exec.Submit(ctx, run.ID, items); err != nil {
		c.rollback(ctx, run.ID, ids)
		if err := c.store.AddToCounter(context.WithoutCancel(ctx), run.ID, store.CounterDead, len(items)); err != nil {
			c.logger.Error("replay_rollback_failed", "run_id", run.ID, "error", err)
		}
		return 0, fmt.Errorf("failed to submit replayed items: %w", err)
	}
	return len(items), nil
}

func (c *Controller) rollback(ctx context.Context, runID string, ids []string) {
	if err := c.store.RestoreReplayed(context.WithoutCancel(ctx), ids); err != nil {
		c.logger.Error("replay_rollback_failed", "run_id", runID, "error", err)
	}
}
