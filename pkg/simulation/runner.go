package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rmax-ai/crmseed/pkg/crm"
	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/engine/governor"
	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// Options controls where a scenario keeps its state.
type Options struct {
	// Dir holds the scenario database. Required.
	Dir    string
	Logger *slog.Logger
}

type runHandle struct {
	name string
	id   string
}

// RunScenario executes s in-process: real store, guard, governor, executor
// and replay controller against the mock CRM.
func RunScenario(ctx context.Context, s Scenario, opts Options) (SimulationResult, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	logger := opts.Logger.With("scenario", s.Name)
	logger.Info("scenario_started", "seed", s.Seed, "runs", len(s.Runs))

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	st, err := store.NewStore(filepath.Join(opts.Dir, "simulation.db"))
	if err != nil {
		return SimulationResult{}, err
	}
	defer st.Close()

	rates := make(map[store.FailureCategory]float64, len(s.CRM.FailureRates))
	for name, rate := range s.CRM.FailureRates {
		cat, ok := store.ParseCategory(name)
		if !ok {
			return SimulationResult{}, fmt.Errorf("unknown failure category %q", name)
		}
		rates[cat] = rate
	}
	mock := crm.NewMockCreator(crm.MockConfig{
		Latency:      s.CRM.Latency,
		Jitter:       s.CRM.Jitter,
		FailureRates: rates,
		Seed:         s.Seed,
	})

	g := s.Governor.withDefaults()
	govs := governor.NewRegistry(governor.RegistryConfig{
		Capacity:        g.Capacity,
		RefillPerSecond: g.RefillPerSecond,
		Breaker:         governor.BreakerConfig{FailureThreshold: g.FailureThreshold, Window: g.Window, Cooldown: g.Cooldown},
		Logger:          logger,
	})
	backoff := &governor.ExponentialBackoff{Base: g.BackoffBase, Max: g.BackoffMax, Factor: 2, Jitter: 0.2}
	guard := idempotency.NewGuard(st.Claims(), idempotency.Options{Logger: logger})
	exec := engine.NewExecutor(st, guard, govs, mock, engine.ExecutorConfig{
		CallTimeout:     5 * time.Second,
		Backoff:         backoff,
		DeferBackoff:    backoff,
		ClaimRetryDelay: 50 * time.Millisecond,
		Logger:          logger,
	})
	defer exec.Close()

	start := time.Now()
	res := SimulationResult{ScenarioName: s.Name, Runs: make(map[string]*RunStats)}

	var handles []runHandle
	for i, rc := range s.Runs {
		spec := rc.Spec
		spec.Start = start.Add(rc.StartAfter).UTC()
		if spec.Seed == 0 {
			spec.Seed = s.Seed + int64(i)
		}
		cfg, err := spec.Config()
		if err != nil {
			return res, fmt.Errorf("run %q: %w", rc.Name, err)
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("run-%d", i)
		}
		run := &store.Run{Owner: "simulation", Config: cfg}
		if err := st.CreateRun(ctx, run); err != nil {
			return res, err
		}
		if err := exec.Start(ctx, run.ID); err != nil {
			return res, err
		}
		handles = append(handles, runHandle{name: name, id: run.ID})
	}

	var wg sync.WaitGroup
	sabotageCtx, stopSabotage := context.WithCancel(ctx)
	if s.Sabotage != nil && s.Sabotage.Enabled {
		cat, ok := store.ParseCategory(s.Sabotage.Category)
		if !ok || s.Sabotage.Interval <= 0 {
			stopSabotage()
			return res, fmt.Errorf("invalid sabotage: category %q, interval %s", s.Sabotage.Category, s.Sabotage.Interval)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.Sabotage.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-sabotageCtx.Done():
					return
				case <-ticker.C:
					mock.FailNext(cat, s.Sabotage.Amount)
					res.Injected += s.Sabotage.Amount
				}
			}
		}()
	}

	waitErr := waitAll(ctx, exec, handles)
	stopSabotage()
	wg.Wait()
	if waitErr != nil {
		return res, fmt.Errorf("scenario timed out: %w", waitErr)
	}

	if s.Replay != nil {
		if s.Replay.HealBeforeReplay {
			mock.Heal()
		}
		n, err := replayAll(ctx, st, exec, handles, *s.Replay, logger)
		if err != nil {
			return res, err
		}
		res.Replayed = n
	}

	for _, h := range handles {
		run, err := st.GetRun(ctx, h.id)
		if err != nil {
			return res, err
		}
		dlq, err := st.CountDLQEntries(ctx, h.id)
		if err != nil {
			return res, err
		}
		res.Runs[h.name] = &RunStats{
			RunID:     run.ID,
			Status:    string(run.Status),
			Total:     run.TotalItems,
			Processed: run.ProcessedItems,
			Succeeded: run.Succeeded,
			Skipped:   run.Skipped,
			Dead:      run.Dead,
			DLQ:       dlq,
		}
	}
	res.Calls = mock.Calls()
	res.Duplicates = mock.Duplicates()
	res.Elapsed = time.Since(start)

	evaluateInvariants(&res, s.Invariants)

	res.Success = true
	for _, inv := range res.Invariants {
		if !inv.Passed {
			res.Success = false
			break
		}
	}
	logger.Info("scenario_finished", "success", res.Success, "elapsed", res.Elapsed, "calls", res.Calls, "duplicates", res.Duplicates)
	return res, nil
}

func waitAll(ctx context.Context, exec *engine.Executor, handles []runHandle) error {
	for _, h := range handles {
		if err := exec.Wait(ctx, h.id); err != nil {
			return err
		}
	}
	return nil
}

func replayAll(ctx context.Context, st *store.Store, exec *engine.Executor, handles []runHandle, cfg ReplayConfig, logger *slog.Logger) (int, error) {
	ctrl := replay.NewController(st, exec, logger)
	total := 0
	for _, h := range handles {
		audit, err := ctrl.Replay(ctx, replay.Request{
			RunID:        h.id,
			Categories:   cfg.Categories,
			Strategy:     cfg.Strategy,
			Limit:        cfg.Limit,
			UseFullRetry: cfg.UseFullRetry,
			Actor:        "simulation",
		})
		if err != nil {
			return total, fmt.Errorf("replay of %q failed: %w", h.name, err)
		}
		total += audit.ReplayedCount
	}
	return total, waitAll(ctx, exec, handles)
}

func (g GovernorConfig) withDefaults() GovernorConfig {
	if g.Capacity <= 0 {
		g.Capacity = 100
	}
	if g.RefillPerSecond <= 0 {
		g.RefillPerSecond = 500
	}
	if g.FailureThreshold <= 0 {
		g.FailureThreshold = 20
	}
	if g.Window <= 0 {
		g.Window = 10 * time.Second
	}
	if g.Cooldown <= 0 {
		g.Cooldown = 500 * time.Millisecond
	}
	if g.BackoffBase <= 0 {
		g.BackoffBase = 10 * time.Millisecond
	}
	if g.BackoffMax <= 0 {
		g.BackoffMax = 200 * time.Millisecond
	}
	return g
}

// metricValue computes one invariant metric over the selected runs.
func metricValue(res *SimulationResult, metric string, runs []*RunStats) (float64, bool) {
	var total, succeeded, skipped, dead, over int
	for _, r := range runs {
		total += r.Total
		succeeded += r.Succeeded
		skipped += r.Skipped
		dead += r.Dead
		if r.Processed > r.Total {
			over += r.Processed - r.Total
		}
	}
	ratio := func(n int) float64 {
		if total == 0 {
			return 0
		}
		return float64(n) / float64(total)
	}

	switch metric {
	case "success_rate":
		return ratio(succeeded), true
	case "dead_rate":
		return ratio(dead), true
	case "skip_rate":
		return ratio(skipped), true
	case "over_processed":
		return float64(over), true
	case "duplicates":
		return float64(res.Duplicates), true
	case "replayed":
		return float64(res.Replayed), true
	}
	return 0, false
}

func evaluateInvariants(res *SimulationResult, invariants []Invariant) {
	for _, inv := range invariants {
		expected := fmt.Sprintf("%s %.2f", inv.Condition, inv.Value)

		var runs []*RunStats
		if inv.Scope == "global" || inv.Scope == "" {
			for _, r := range res.Runs {
				runs = append(runs, r)
			}
		} else if r, ok := res.Runs[inv.Scope]; ok {
			runs = []*RunStats{r}
		} else {
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Scope: inv.Scope, Expected: expected, Actual: "N/A", Passed: false,
			})
			continue
		}

		actual, known := metricValue(res, inv.Metric, runs)
		if !known {
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Scope: inv.Scope, Expected: expected, Actual: "unknown metric", Passed: false,
			})
			continue
		}

		var passed bool
		switch inv.Condition {
		case ">":
			passed = actual > inv.Value
		case ">=":
			passed = actual >= inv.Value
		case "<":
			passed = actual < inv.Value
		case "<=":
			passed = actual <= inv.Value
		case "==":
			passed = math.Abs(actual-inv.Value) < 0.0001
		}

		res.Invariants = append(res.Invariants, InvariantResult{
			Metric:   inv.Metric,
			Scope:    inv.Scope,
			Expected: expected,
			Actual:   fmt.Sprintf("%.4f", actual),
			Passed:   passed,
		})
	}
}
