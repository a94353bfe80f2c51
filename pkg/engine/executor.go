package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/crmseed/pkg/crm"
	"github.com/rmax-ai/crmseed/pkg/engine/governor"
	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// ExecutorConfig tunes retry and timeout behaviour. Zero values get defaults.
type ExecutorConfig struct {
	CallTimeout time.Duration
	// Backoff spaces retries of failed calls.
	Backoff governor.BackoffStrategy
	// DeferBackoff spaces re-attempts of items held back by an open circuit.
	DeferBackoff governor.BackoffStrategy
	// ClaimRetryDelay is the wait before re-trying an item whose claim could
	// not be decided (fail_closed with the store down).
	ClaimRetryDelay time.Duration
	Generator       crm.PayloadGenerator
	Logger          *slog.Logger
}

// Report is the live view of one execution.
type Report struct {
	RunID      string `json:"run_id"`
	Active     bool   `json:"active"`
	ReplayOnly bool   `json:"replay_only"`
	Succeeded  int    `json:"succeeded"`
	Skipped    int    `json:"skipped"`
	Retried    int    `json:"retried"`
	Deferred   int    `json:"deferred"`
	Dead       int    `json:"dead"`
	InFlight   int    `json:"in_flight"`
	Pending    int    `json:"pending"`
}

// dlqAlertAttempts is how many failed dead-letter writes an item survives
// before each further failure is logged as an error.
const dlqAlertAttempts = 3

type result int

const (
	resultSucceeded result = iota
	resultSkipped
	resultRetried
	resultDeferred
	resultDead
	resultAbandoned
)

// execution is the in-process state of one run being driven.
type execution struct {
	ctx         context.Context
	cancel      context.CancelFunc
	runID       string
	concurrency int
	gov         *governor.Governor
	replayOnly  bool

	mu        sync.Mutex
	queue     itemQueue
	inflight  int
	aborting  bool
	finishing bool
	// gateUntil holds dispatch back after a denial so one wait is not
	// re-learned by every queued item.
	gateUntil time.Time
	report    Report

	workers sync.WaitGroup
	wake    chan struct{}
	done    chan struct{}
}

func (ex *execution) signal() {
	select {
	case ex.wake <- struct{}{}:
	default:
	}
}

// add queues items. It fails with ErrRunAborted once an abort was requested
// and with errDraining when the execution is already winding down.
func (ex *execution) add(items []*ScheduledItem) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.aborting {
		return fmt.Errorf("%w: %s", ErrRunAborted, ex.runID)
	}
	if ex.finishing {
		return errDraining
	}
	now := time.Now()
	for _, it := range items {
		if it.readyAt.IsZero() {
			it.readyAt = now
		}
		ex.queue.push(it)
	}
	ex.signal()
	return nil
}

// Executor drives scheduled items through the governor, the idempotency guard
// and the CRM, and records every outcome.
type Executor struct {
	store     *store.Store
	guard     *idempotency.Guard
	governors *governor.Registry
	creator   crm.RecordCreator
	cfg       ExecutorConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	runs   map[string]*execution
}

func NewExecutor(st *store.Store, guard *idempotency.Guard, governors *governor.Registry, creator crm.RecordCreator, cfg ExecutorConfig) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = governor.DefaultBackoff()
	}
	if cfg.DeferBackoff == nil {
		cfg.DeferBackoff = governor.DefaultBackoff()
	}
	if cfg.ClaimRetryDelay <= 0 {
		cfg.ClaimRetryDelay = 5 * time.Second
	}
	if cfg.Generator == nil {
		cfg.Generator = crm.DescriptorGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:     st,
		guard:     guard,
		governors: governors,
		creator:   creator,
		cfg:       cfg,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*execution),
	}
}

func (e *Executor) newExecution(run *store.Run, replayOnly bool) *execution {
	ctx, cancel := context.WithCancel(e.ctx)
	return &execution{
		ctx:         ctx,
		cancel:      cancel,
		runID:       run.ID,
		concurrency: clampConcurrency(run.Config.Concurrency),
		gov:         e.governors.Get(run.Config.Credential),
		replayOnly:  replayOnly,
		report:      Report{RunID: run.ID, Active: true, ReplayOnly: replayOnly},
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// register reserves the run for ex. It fails when the run is already active.
func (e *Executor) register(ex *execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	if _, ok := e.runs[ex.runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, ex.runID)
	}
	e.runs[ex.runID] = ex
	return nil
}

func (e *Executor) unregister(ex *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[ex.runID] == ex {
		delete(e.runs, ex.runID)
	}
	ex.cancel()
}

func (e *Executor) launch(ex *execution) {
	e.wg.Add(1)
	go e.dispatch(ex)
}

// Start moves a queued run to running and begins executing it. A run already
// marked running (e.g. after a restart) is resumed.
func (e *Executor) Start(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run is %s", store.ErrInvalidTransition, run.Status)
	}

	ex := e.newExecution(run, false)
	if err := e.register(ex); err != nil {
		return err
	}

	items, err := e.pendingItems(ctx, run)
	if err == nil && run.Status == store.RunStatusQueued {
		err = e.store.TransitionRun(ctx, runID, store.RunStatusRunning)
	}
	if err != nil {
		e.unregister(ex)
		close(ex.done)
		return err
	}

	_ = ex.add(items)
	e.logger.Info("run_started", "run_id", runID, "items", len(items), "version", run.OverrideVersion,
		"resumed", run.Status == store.RunStatusRunning)
	e.launch(ex)
	return nil
}

// pendingItems derives the run's items, minus those waiting in the DLQ.
func (e *Executor) pendingItems(ctx context.Context, run *store.Run) ([]*ScheduledItem, error) {
	items, err := Items(run)
	if err != nil {
		return nil, err
	}
	dead, err := e.store.PendingDLQSequences(ctx, run.ID, run.OverrideVersion)
	if err != nil {
		return nil, err
	}
	if len(dead) == 0 {
		return items, nil
	}
	out := items[:0]
	for _, it := range items {
		if !dead[it.Sequence] {
			out = append(out, it)
		}
	}
	return out, nil
}

// join adds items to the run's live execution. It reports false when there
// is none to join, or the one found is draining.
func (e *Executor) join(runID string, items []*ScheduledItem) (*execution, bool, error) {
	e.mu.Lock()
	ex, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	err := ex.add(items)
	if errors.Is(err, errDraining) {
		return ex, false, nil
	}
	return ex, err == nil, err
}

// Submit injects items into a run. When the run is not executing here, a
// replay-only execution is started that leaves the run's status alone.
// Aborted and aborting runs refuse items with ErrRunAborted.
func (e *Executor) Submit(ctx context.Context, runID string, items []*ScheduledItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if it.RunID != runID {
			return fmt.Errorf("item %d belongs to run %s, not %s", it.Sequence, it.RunID, runID)
		}
	}

	if _, joined, err := e.join(runID, items); joined || err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunStatusAborted {
		return fmt.Errorf("%w: %s", ErrRunAborted, runID)
	}

	for {
		fresh := e.newExecution(run, true)
		_ = fresh.add(items)
		err := e.register(fresh)
		if err == nil {
			e.logger.Info("replay_execution_started", "run_id", runID, "items", len(items))
			e.launch(fresh)
			return nil
		}
		fresh.cancel()
		if !errors.Is(err, ErrRunActive) {
			return err
		}
		// Someone registered first: join it unless it is already draining.
		ex, joined, err := e.join(runID, items)
		if joined || err != nil {
			return err
		}
		if ex != nil {
			select {
			case <-ex.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if run, err = e.store.GetRun(ctx, runID); err != nil {
			return err
		}
		if run.Status == store.RunStatusAborted {
			return fmt.Errorf("%w: %s", ErrRunAborted, runID)
		}
	}
}

// Abort stops admitting items. In-flight items finish, then the run is marked
// aborted. A run not executing here is marked aborted at once.
func (e *Executor) Abort(ctx context.Context, runID string) error {
	e.mu.Lock()
	ex, ok := e.runs[runID]
	e.mu.Unlock()

	if ok {
		ex.mu.Lock()
		ex.aborting = true
		ex.mu.Unlock()
		ex.signal()
		e.logger.Info("run_abort_requested", "run_id", runID)
		return nil
	}
	return e.store.TransitionRun(ctx, runID, store.RunStatusAborted)
}

// Override replaces the configuration of an idle, non-terminal run.
func (e *Executor) Override(ctx context.Context, runID string, cfg store.RunConfig) (*store.Run, error) {
	if e.Active(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	run, err := e.store.OverrideRun(ctx, runID, cfg)
	if err != nil {
		return nil, err
	}
	e.logger.Info("run_overridden", "run_id", runID, "version", run.OverrideVersion)
	return run, nil
}

// ResetClaims drops every idempotency claim of the run, forcing full re-processing.
func (e *Executor) ResetClaims(ctx context.Context, runID string) (int, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	return e.guard.ResetAll(ctx, runID)
}

// ResumeOrphaned restarts runs left running by a previous process.
func (e *Executor) ResumeOrphaned(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Statuses: []store.RunStatus{store.RunStatusRunning}})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, run := range runs {
		if e.Active(run.ID) {
			continue
		}
		if err := e.Start(ctx, run.ID); err != nil {
			if errors.Is(err, ErrRunActive) {
				continue
			}
			e.logger.Error("run_resume_failed", "run_id", run.ID, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		e.logger.Info("runs_resumed", "count", resumed)
	}
	return resumed, nil
}

// Active reports whether the run is executing in this process.
func (e *Executor) Active(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[runID]
	return ok
}

// Report returns live counts for an active run.
func (e *Executor) Report(runID string) (Report, bool) {
	e.mu.Lock()
	ex, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return Report{RunID: runID}, false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	r := ex.report
	r.InFlight = ex.inflight
	r.Pending = ex.queue.Len()
	return r, true
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the run's current execution ends. It is already closed
// for runs not executing here.
func (e *Executor) Done(runID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.runs[runID]; ok {
		return ex.done
	}
	return closedChan
}

// Wait blocks until the run's current execution ends.
func (e *Executor) Wait(ctx context.Context, runID string) error {
	select {
	case <-e.Done(runID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend stops every execution without closing the executor, e.g. when this
// process loses leadership. Runs stay running in the store.
func (e *Executor) Suspend() {
	e.mu.Lock()
	active := make([]*execution, 0, len(e.runs))
	for _, ex := range e.runs {
		active = append(active, ex)
	}
	e.mu.Unlock()

	for _, ex := range active {
		ex.cancel()
	}
	for _, ex := range active {
		<-ex.done
	}
}

// Close stops every execution. In-flight calls are cancelled; runs stay
// running in the store and are resumed by the next process.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// dispatch pops items in ready order, asks the governor for admission and
// hands admitted items to workers, up to the run's concurrency.
func (e *Executor) dispatch(ex *execution) {
	defer e.wg.Done()
	ActiveRuns.Inc()
	defer ActiveRuns.Dec()

	for {
		ex.mu.Lock()
		if ex.ctx.Err() != nil {
			ex.finishing = true
			ex.mu.Unlock()
			e.suspend(ex)
			return
		}
		if (ex.aborting || ex.queue.Len() == 0) && ex.inflight == 0 {
			ex.finishing = true
			ex.mu.Unlock()
			e.finish(ex)
			return
		}

		var (
			item *ScheduledItem
			wait time.Duration = -1
		)
		if !ex.aborting && ex.inflight < ex.concurrency {
			if d := time.Until(ex.gateUntil); d > 0 {
				wait = d
			} else if next := ex.queue.peek(); next != nil {
				if d := time.Until(next.readyAt); d > 0 {
					wait = d
				} else {
					item = ex.queue.pop()
					ex.inflight++
				}
			}
		}
		ex.mu.Unlock()

		if item == nil {
			e.sleep(ex, wait)
			continue
		}
		// A pending dead letter makes no call, so it needs no admission.
		if item.deadLetter != nil {
			ex.workers.Add(1)
			go e.work(ex, item, nil)
			continue
		}

		decision := ex.gov.Admit(ex.ctx)
		if decision.Kind != governor.Admitted {
			e.holdBack(ex, item, decision)
			continue
		}

		ex.workers.Add(1)
		go e.work(ex, item, decision.Permit)
	}
}

func (e *Executor) sleep(ex *execution, wait time.Duration) {
	if wait < 0 {
		select {
		case <-ex.wake:
		case <-ex.ctx.Done():
		}
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ex.wake:
	case <-ex.ctx.Done():
	}
}

// holdBack re-queues an item the governor denied.
func (e *Executor) holdBack(ex *execution, item *ScheduledItem, d governor.Decision) {
	delay := d.RetryAfter
	if d.Kind == governor.DeniedCircuitOpen {
		if b := e.cfg.DeferBackoff.Next(item.Deferrals); b > delay {
			delay = b
		}
		item.Deferrals++
	}
	AdmissionDenied.WithLabelValues(ex.gov.Credential(), d.Kind.String()).Inc()

	now := time.Now()
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.inflight--
	item.readyAt = now.Add(delay)
	ex.queue.push(item)
	if gate := now.Add(d.RetryAfter); gate.After(ex.gateUntil) {
		ex.gateUntil = gate
	}
	if d.Kind == governor.DeniedCircuitOpen {
		ex.report.Deferred++
	}
}

func (e *Executor) work(ex *execution, item *ScheduledItem, permit *governor.Permit) {
	defer ex.workers.Done()

	res := e.execute(ex.ctx, item, permit)
	ItemsTotal.WithLabelValues(res.String()).Inc()

	ex.mu.Lock()
	ex.inflight--
	switch res {
	case resultSucceeded:
		ex.report.Succeeded++
	case resultSkipped:
		ex.report.Skipped++
	case resultRetried:
		ex.report.Retried++
		ex.queue.push(item)
	case resultDeferred:
		ex.report.Deferred++
		ex.queue.push(item)
	case resultDead:
		ex.report.Dead++
	}
	ex.mu.Unlock()
	ex.signal()
}

func (r result) String() string {
	switch r {
	case resultSucceeded:
		return "succeeded"
	case resultSkipped:
		return "skipped"
	case resultRetried:
		return "retried"
	case resultDeferred:
		return "deferred"
	case resultDead:
		return "dead"
	}
	return "abandoned"
}

// execute runs one admitted item: claim, call, record. An item whose dead
// letter is still unwritten only retries the write.
func (e *Executor) execute(ctx context.Context, item *ScheduledItem, permit *governor.Permit) result {
	key := item.Key()
	log := e.logger.With("run_id", item.RunID, "seq", item.Sequence)
	if item.deadLetter != nil {
		return e.bury(context.WithoutCancel(ctx), item, log)
	}

	claimed := item.claimed
	if !claimed {
		var err error
		claimed, err = e.guard.Claim(ctx, key)
		if err != nil {
			permit.Cancel()
			if ctx.Err() != nil {
				return resultAbandoned
			}
			item.readyAt = time.Now().Add(e.cfg.ClaimRetryDelay)
			log.Warn("claim_deferred", "error", err)
			return resultDeferred
		}
	}
	// A replayed dead letter may still hold the claim its last attempt
	// failed to release; the DLQ entry proves no creation happened.
	if !claimed && item.Replay {
		log.Warn("replay_claim_taken_over")
		claimed = true
	}
	// Outcomes are recorded even when shutdown cancels ctx mid-item.
	record := context.WithoutCancel(ctx)
	if !claimed {
		permit.Cancel()
		if err := e.store.AddToCounter(record, item.RunID, store.CounterSkipped, 1); err != nil {
			log.Error("counter_update_failed", "counter", "skipped", "error", err)
		}
		log.Debug("item_skipped")
		return resultSkipped
	}

	callErr, timedOut := e.call(ctx, item, key)
	if callErr == nil {
		permit.Done(governor.OutcomeSuccess)
		ok, err := e.store.IncrementProcessed(record, item.RunID)
		if err != nil {
			log.Error("counter_update_failed", "counter", "processed", "error", err)
		} else if !ok {
			log.Warn("processed_at_total")
		}
		log.Debug("item_succeeded", "kind", item.Payload.Kind)
		return resultSucceeded
	}

	if ctx.Err() != nil {
		// Shutting down: give the item back untouched for the next process.
		permit.Cancel()
		e.release(record, item, log)
		return resultAbandoned
	}

	category, retryable := crm.Classify(callErr)
	if timedOut {
		category, retryable = store.CategoryTimeout, true
	}
	if retryable {
		permit.Done(governor.OutcomeUpstreamFailure)
	} else {
		permit.Done(governor.OutcomeOther)
	}
	e.release(record, item, log)

	if retryable && item.RetriesUsed < item.RetryBudget {
		delay := e.cfg.Backoff.Next(item.RetriesUsed)
		item.RetriesUsed++
		item.readyAt = time.Now().Add(delay)
		log.Info("item_retry_scheduled", "category", category, "attempt", item.RetriesUsed, "delay", delay, "error", callErr)
		return resultRetried
	}

	item.deadLetter = &store.DLQEntry{
		RunID:           item.RunID,
		OverrideVersion: item.OverrideVersion,
		Sequence:        item.Sequence,
		Payload:         item.Payload,
		Category:        category,
		LastError:       callErr.Error(),
		EnqueuedAt:      item.ScheduledAt,
		FailedAt:        time.Now().UTC(),
		RetryCount:      item.RetriesUsed,
	}
	return e.bury(record, item, log)
}

// bury writes the item's dead letter. A failed write re-queues the item on
// the defer backoff; only the write is repeated, never the call.
func (e *Executor) bury(ctx context.Context, item *ScheduledItem, log *slog.Logger) result {
	entry := item.deadLetter
	if err := e.store.InsertDLQEntry(ctx, entry); err != nil {
		delay := e.cfg.DeferBackoff.Next(item.dlqAttempts)
		item.dlqAttempts++
		item.readyAt = time.Now().Add(delay)
		level := slog.LevelWarn
		if item.dlqAttempts >= dlqAlertAttempts {
			level = slog.LevelError
		}
		log.Log(ctx, level, "dlq_insert_failed", "attempt", item.dlqAttempts, "delay", delay, "error", err)
		return resultDeferred
	}
	item.deadLetter = nil
	if err := e.store.AddToCounter(ctx, item.RunID, store.CounterDead, 1); err != nil {
		log.Error("counter_update_failed", "counter", "dead", "error", err)
	}
	DLQInserted.WithLabelValues(string(entry.Category)).Inc()
	log.Warn("item_dead", "category", entry.Category, "retries", entry.RetryCount, "dlq_id", entry.ID, "error", entry.LastError)
	return resultDead
}

// release drops the item's claim. When that fails the item keeps the claim,
// so its next attempt does not mistake it for someone else's.
func (e *Executor) release(ctx context.Context, item *ScheduledItem, log *slog.Logger) {
	if err := e.guard.Release(ctx, item.Key()); err != nil {
		item.claimed = true
		log.Error("claim_release_failed", "error", err)
		return
	}
	item.claimed = false
}

// call generates the payload and performs the CRM call under CallTimeout.
func (e *Executor) call(ctx context.Context, item *ScheduledItem, key idempotency.Key) (error, bool) {
	payload, err := e.cfg.Generator.Generate(ctx, crm.Descriptor{
		RunID:           item.RunID,
		OverrideVersion: item.OverrideVersion,
		Kind:            item.Payload.Kind,
		Sequence:        item.Sequence,
	})
	if err != nil {
		return fmt.Errorf("failed to generate payload: %w", err), false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	started := time.Now()
	_, err = e.creator.CreateRecord(callCtx, item.Payload.Kind, payload, key.String())
	CallDuration.WithLabelValues(item.Payload.Kind).Observe(time.Since(started).Seconds())

	timedOut := err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	return err, timedOut
}

// suspend waits out in-flight work after Close and leaves the run resumable.
func (e *Executor) suspend(ex *execution) {
	ex.workers.Wait()
	e.unregister(ex)
	close(ex.done)
	e.logger.Info("run_suspended", "run_id", ex.runID)
}

// finish settles the run status once the queue drained or an abort completed.
func (e *Executor) finish(ex *execution) {
	ex.workers.Wait()
	defer func() {
		e.unregister(ex)
		close(ex.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ex.mu.Lock()
	aborting, rep := ex.aborting, ex.report
	ex.mu.Unlock()
	log := e.logger.With("run_id", ex.runID, "succeeded", rep.Succeeded, "skipped", rep.Skipped, "dead", rep.Dead)

	if aborting {
		err := e.store.TransitionRun(ctx, ex.runID, store.RunStatusAborted)
		if err != nil && !(ex.replayOnly && errors.Is(err, store.ErrInvalidTransition)) {
			log.Error("run_abort_failed", "error", err)
			return
		}
		log.Info("run_aborted")
		return
	}
	if ex.replayOnly {
		log.Info("replay_execution_drained")
		return
	}

	run, err := e.store.GetRun(ctx, ex.runID)
	if err != nil {
		log.Error("run_finish_failed", "error", err)
		return
	}
	status := store.RunStatusCompleted
	if run.TotalItems > 0 && run.Dead >= run.TotalItems {
		status = store.RunStatusFailed
	}
	if err := e.store.TransitionRun(ctx, ex.runID, status); err != nil {
		log.Error("run_finish_failed", "status", status, "error", err)
		return
	}
	log.Info("run_"+string(status), "processed", run.ProcessedItems, "total", run.TotalItems)
}

// ReplayItem rebuilds a scheduled item from a dead letter. With fullRetry the
// item gets the run's whole retry budget; otherwise it keeps what was left.
func ReplayItem(entry *store.DLQEntry, maxRetries int, fullRetry bool) *ScheduledItem {
	it := &ScheduledItem{
		RunID:           entry.RunID,
		OverrideVersion: entry.OverrideVersion,
		Sequence:        entry.Sequence,
		ScheduledAt:     entry.EnqueuedAt,
		Payload:         entry.Payload,
		RetryBudget:     maxRetries,
		Replay:          true,
	}
	if !fullRetry {
		it.RetriesUsed = min(entry.RetryCount, maxRetries)
	}
	return it
}
