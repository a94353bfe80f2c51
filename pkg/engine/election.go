package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

// ElectionConfig configures leader election over a lease.
type ElectionConfig struct {
	Leases    store.LeaseStore
	HolderID  string
	LeaseName string
	TTL       time.Duration
	// OnPromote runs after the lease is won. It must not block.
	OnPromote func()
	// OnDemote runs after the lease is lost. It is not called by Stop.
	OnDemote func()
	Logger   *slog.Logger
}

// ElectionManager keeps one daemon at a time executing runs. The lease is
// renewed every TTL/2; failing to renew demotes the holder.
type ElectionManager struct {
	cfg    ElectionConfig
	logger *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	epoch    int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewElectionManager(cfg ElectionConfig) *ElectionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ElectionManager{
		cfg:    cfg,
		logger: cfg.Logger.With("holder_id", cfg.HolderID, "lease", cfg.LeaseName),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start makes a first attempt right away, then runs the loop in the background.
func (em *ElectionManager) Start(ctx context.Context) {
	em.attempt(ctx)
	go func() {
		defer close(em.doneCh)
		ticker := time.NewTicker(em.cfg.TTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				em.attempt(ctx)
			case <-em.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	em.logger.Info("election_started", "ttl", em.cfg.TTL)
}

// Stop ends the loop and releases the lease if held.
func (em *ElectionManager) Stop(ctx context.Context) {
	em.stopOnce.Do(func() { close(em.stopCh) })
	<-em.doneCh

	em.mu.Lock()
	wasLeader := em.isLeader
	em.isLeader = false
	em.mu.Unlock()

	if wasLeader {
		if err := em.cfg.Leases.Release(ctx, em.cfg.LeaseName, em.cfg.HolderID); err != nil {
			em.logger.Error("lease_release_failed", "error", err)
		} else {
			em.logger.Info("lease_released")
		}
	}
	em.logger.Info("election_stopped")
}

func (em *ElectionManager) IsLeader() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.isLeader
}

// Epoch is the fencing epoch of the lease when it was last won, 0 if unknown.
func (em *ElectionManager) Epoch() int64 {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.epoch
}

// Leader returns the current holder id, false when nobody holds the lease.
func (em *ElectionManager) Leader(ctx context.Context) (string, bool, error) {
	lease, err := em.cfg.Leases.Get(ctx, em.cfg.LeaseName)
	if err != nil {
		return "", false, err
	}
	if lease == nil {
		return "", false, nil
	}
	return lease.HolderID, true, nil
}

func (em *ElectionManager) attempt(ctx context.Context) {
	em.mu.RLock()
	wasLeader := em.isLeader
	em.mu.RUnlock()

	leader := false
	if wasLeader {
		if err := em.cfg.Leases.Renew(ctx, em.cfg.LeaseName, em.cfg.HolderID, em.cfg.TTL); err != nil {
			em.logger.Warn("lease_renew_failed", "error", err)
		} else {
			leader = true
		}
	} else {
		ok, err := em.cfg.Leases.Acquire(ctx, em.cfg.LeaseName, em.cfg.HolderID, em.cfg.TTL)
		switch {
		case err != nil:
			em.logger.Warn("lease_acquire_failed", "error", err)
		case ok:
			leader = true
		default:
			em.logger.Debug("lease_held_elsewhere")
		}
	}

	var epoch int64
	if leader && !wasLeader {
		if lease, err := em.cfg.Leases.Get(ctx, em.cfg.LeaseName); err == nil && lease != nil {
			epoch = lease.Epoch
		}
	}

	em.mu.Lock()
	em.isLeader = leader
	if leader && !wasLeader {
		em.epoch = epoch
	}
	em.mu.Unlock()

	switch {
	case leader && !wasLeader:
		em.logger.Info("promoted", "epoch", epoch)
		if em.cfg.OnPromote != nil {
			em.cfg.OnPromote()
		}
	case !leader && wasLeader:
		em.logger.Warn("demoted")
		if em.cfg.OnDemote != nil {
			em.cfg.OnDemote()
		}
	}
}
