package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

// RetentionConfig controls the periodic cleanup of expired claims and, when
// archiving is off, of replayed dead letters.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// DLQRetention is the age after replay at which entries are deleted. Zero keeps them.
	DLQRetention  time.Duration `json:"dlq_retention"`
	CheckInterval time.Duration `json:"check_interval"`
}

// PruneResult counts what one pass removed.
type PruneResult struct {
	Claims int64
	DLQ    int64
}

type PruneWorker struct {
	store  *store.Store
	claims *store.Claims
	logger *slog.Logger

	mu     sync.RWMutex
	config RetentionConfig
}

func NewPruneWorker(st *store.Store, cfg RetentionConfig, logger *slog.Logger) *PruneWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneWorker{store: st, claims: st.Claims(), config: cfg, logger: logger}
}

// UpdateConfig swaps the retention settings; the next pass uses them.
func (w *PruneWorker) UpdateConfig(cfg RetentionConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

func (w *PruneWorker) Run(ctx context.Context) {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	if !cfg.Enabled {
		w.logger.Info("prune_disabled")
		return
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}

	w.logger.Info("prune_worker_started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Prune(ctx)
		}
	}
}

func (w *PruneWorker) Prune(ctx context.Context) PruneResult {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	var res PruneResult
	if !cfg.Enabled {
		return res
	}

	n, err := w.claims.PruneExpired(ctx)
	if err != nil {
		w.logger.Error("prune_claims_failed", "error", err)
	} else {
		res.Claims = n
	}

	if cfg.DLQRetention > 0 {
		n, err := w.store.PruneReplayed(ctx, cfg.DLQRetention)
		if err != nil {
			w.logger.Error("prune_dlq_failed", "error", err)
		} else {
			res.DLQ = n
		}
	}

	if res.Claims > 0 || res.DLQ > 0 {
		w.logger.Info("pruned", "claims", res.Claims, "dlq_entries", res.DLQ)
	}
	return res
}
