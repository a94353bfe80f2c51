package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rmax-ai/crmseed/pkg/api"
	"github.com/rmax-ai/crmseed/pkg/blob"
	"github.com/rmax-ai/crmseed/pkg/crm"
	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/engine/governor"
	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
	redisstore "github.com/rmax-ai/crmseed/pkg/store/redis"
)

const leaseName = "crmseed-leader"

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "crmseed-d: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown_complete")
}

func run(cfg Config, logger *slog.Logger) error {
	logger.Info("system_started", "component", "crmseed-d", "node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed_to_close_store", "error", err)
		}
	}()
	logger.Info("store_initialized", "driver", cfg.DBDriver)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("redis_connected", "addr", cfg.RedisAddr)
	}

	var claims idempotency.ClaimStore = st.Claims()
	var leases store.LeaseStore = st.Leases()
	var newBucket func(string) governor.Bucket
	if rdb != nil {
		claims = redisstore.NewClaimStore(rdb)
		leases = redisstore.NewLeaseStore(rdb)
		newBucket = func(credential string) governor.Bucket {
			return redisstore.NewTokenBucket(rdb, credential, cfg.BucketCapacity, cfg.BucketRefill)
		}
	}

	guard := idempotency.NewGuard(claims, idempotency.Options{
		TTL:        cfg.ClaimTTL,
		Policy:     cfg.IdempotencyPolicy,
		Logger:     logger,
		OnDegraded: engine.DegradedClaims.Inc,
	})
	governors := governor.NewRegistry(governor.RegistryConfig{
		Capacity:        cfg.BucketCapacity,
		RefillPerSecond: cfg.BucketRefill,
		Breaker: governor.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Window:           cfg.BreakerWindow,
			Cooldown:         cfg.BreakerCooldown,
		},
		NewBucket: newBucket,
		OnStateChange: func(credential string, _, to governor.BreakerState) {
			engine.BreakerState.WithLabelValues(credential).Set(float64(to))
		},
		Logger: logger,
	})

	creator, err := newCreator(ctx, cfg)
	if err != nil {
		return err
	}

	exec := engine.NewExecutor(st, guard, governors, creator, engine.ExecutorConfig{
		CallTimeout: cfg.CallTimeout,
		Backoff:     &governor.ExponentialBackoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Factor: 2, Jitter: 0.2},
		Logger:      logger,
	})
	defer exec.Close()

	blobs, err := newArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}
	maintenance := &leaderTasks{
		exec:   exec,
		logger: logger,
		prune: engine.NewPruneWorker(st, engine.RetentionConfig{
			Enabled:      true,
			DLQRetention: pruneRetention(cfg),
		}, logger),
	}
	if blobs != nil {
		maintenance.archive = engine.NewArchiveWorker(st, blobs, engine.ArchiveConfig{
			Enabled:   true,
			Retention: cfg.Retention,
		}, logger)
	}

	election := engine.NewElectionManager(engine.ElectionConfig{
		Leases:    leases,
		HolderID:  cfg.NodeID,
		LeaseName: leaseName,
		TTL:       cfg.LeaseTTL,
		OnPromote: func() { maintenance.promote(ctx) },
		OnDemote:  maintenance.demote,
		Logger:    logger,
	})
	election.Start(ctx)

	srv := api.NewServer(st, exec, replay.NewController(st, exec, logger), api.Config{
		Addr:   cfg.Addr,
		Tokens: cfg.OperatorTokens,
		Logger: logger,
	})
	srv.SetElectionManager(election)
	if cfg.TLSCert != "" {
		srv.SetTLS(cfg.TLSCert, cfg.TLSKey)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_initiated")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server_failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	maintenance.demote()
	election.Stop(shutdownCtx)
	return nil
}

func newCreator(ctx context.Context, cfg Config) (crm.RecordCreator, error) {
	if cfg.CRMMode == "http" {
		return crm.NewHTTPCreator(ctx, crm.HTTPConfig{
			BaseURL:      cfg.CRMBaseURL,
			AccessToken:  cfg.CRMToken,
			ClientID:     cfg.CRMClientID,
			ClientSecret: cfg.CRMClientSecret,
			TokenURL:     cfg.CRMTokenURL,
			Timeout:      cfg.CallTimeout,
		})
	}
	return crm.NewMockCreator(crm.MockConfig{Latency: 20 * time.Millisecond, Jitter: 10 * time.Millisecond, Seed: time.Now().UnixNano()}), nil
}

func newArchiveStore(ctx context.Context, cfg Config) (blob.Store, error) {
	switch cfg.ArchiveBackend {
	case "local":
		return blob.NewLocalStore(cfg.ArchiveDir), nil
	case "minio":
		ms, err := blob.NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx, cfg.Minio.Region); err != nil {
			return nil, err
		}
		return ms, nil
	}
	return nil, nil
}

// pruneRetention leaves replayed dead letters to the archive worker when one is configured.
func pruneRetention(cfg Config) time.Duration {
	if cfg.ArchiveBackend != "off" {
		return 0
	}
	return cfg.Retention
}

// leaderTasks owns the work only the elected daemon does.
type leaderTasks struct {
	exec    *engine.Executor
	prune   *engine.PruneWorker
	archive *engine.ArchiveWorker
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *leaderTasks) promote(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		n, err := l.exec.ResumeOrphaned(ctx)
		if err != nil {
			l.logger.Error("resume_orphaned_failed", "error", err)
			return
		}
		l.logger.Info("orphaned_runs_resumed", "count", n)
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.prune.Run(ctx)
	}()
	if l.archive != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.archive.Run(ctx)
		}()
	}
}

func (l *leaderTasks) demote() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.exec.Suspend()
}
