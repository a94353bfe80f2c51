package engine

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/rmax-ai/crmseed/pkg/crm"
	"github.com/rmax-ai/crmseed/pkg/engine/distribution"
	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// ScheduledItem is one unit of work. Items are derived from a run on demand
// and are only persisted when they die.
type ScheduledItem struct {
	RunID           string
	OverrideVersion int
	Sequence        int
	ScheduledAt     time.Time
	Payload         store.Payload
	RetriesUsed     int
	RetryBudget     int
	// Deferrals counts circuit-open re-queues; they do not spend retry budget.
	Deferrals int
	Replay    bool

	readyAt time.Time
	index   int
	// claimed is set while the item still holds its claim between attempts.
	claimed bool
	// deadLetter is set while the item's dead letter waits to be written.
	deadLetter  *store.DLQEntry
	dlqAttempts int
}

func (it *ScheduledItem) Key() idempotency.Key {
	return idempotency.Key{RunID: it.RunID, OverrideVersion: it.OverrideVersion, Sequence: it.Sequence}
}

// ScheduleParams maps a run's configuration onto distribution parameters.
func ScheduleParams(cfg store.RunConfig) (distribution.Params, error) {
	shape, err := distribution.ParseShape(cfg.Shape)
	if err != nil {
		return distribution.Params{}, err
	}
	return distribution.Params{
		Total:     cfg.Total,
		Start:     cfg.Start,
		Duration:  cfg.Duration,
		Shape:     shape,
		JitterPct: cfg.JitterPct,
		Seed:      cfg.Seed,
	}, nil
}

// Items derives every scheduled item of the run's current override version.
// The result is identical on every call for the same run version.
func Items(run *store.Run) ([]*ScheduledItem, error) {
	params, err := ScheduleParams(run.Config)
	if err != nil {
		return nil, err
	}
	times, err := distribution.Schedule(params)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule run %s: %w", run.ID, err)
	}

	items := make([]*ScheduledItem, len(times))
	for i, t := range times {
		items[i] = &ScheduledItem{
			RunID:           run.ID,
			OverrideVersion: run.OverrideVersion,
			Sequence:        i,
			ScheduledAt:     t,
			Payload:         store.Payload{Kind: crm.KindFor(run.Config.Seed, i, run.Config.Mix), Sequence: i},
			RetryBudget:     run.Config.MaxRetries,
			readyAt:         t,
		}
	}
	return items, nil
}

// itemQueue is a min-heap on ready time, then sequence.
type itemQueue []*ScheduledItem

func (q itemQueue) Len() int { return len(q) }

func (q itemQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	return q[i].Sequence < q[j].Sequence
}

func (q itemQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *itemQueue) Push(x any) {
	it := x.(*ScheduledItem)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *itemQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *itemQueue) push(it *ScheduledItem) { heap.Push(q, it) }

func (q *itemQueue) pop() *ScheduledItem { return heap.Pop(q).(*ScheduledItem) }

func (q itemQueue) peek() *ScheduledItem {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
