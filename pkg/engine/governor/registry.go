package governor

import (
	"log/slog"
	"sync"
)

type RegistryConfig struct {
	Capacity        float64
	RefillPerSecond float64
	Breaker         BreakerConfig
	// NewBucket overrides the in-process token bucket, e.g. with a Redis one.
	NewBucket func(credential string) Bucket
	// OnStateChange observes breaker transitions per credential.
	OnStateChange func(credential string, from, to BreakerState)
	Logger        *slog.Logger
}

// Registry hands out one Governor per credential, so every run using a
// credential shares its budget and breaker.
type Registry struct {
	mu        sync.Mutex
	cfg       RegistryConfig
	governors map[string]*Governor
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{cfg: cfg, governors: make(map[string]*Governor)}
}

// Get returns the governor for credential, creating it on first use.
func (r *Registry) Get(credential string) *Governor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.governors[credential]; ok {
		return g
	}

	var bucket Bucket
	if r.cfg.NewBucket != nil {
		bucket = r.cfg.NewBucket(credential)
	} else {
		bucket = NewTokenBucket(r.cfg.Capacity, r.cfg.RefillPerSecond)
	}

	breaker := NewBreaker(r.cfg.Breaker)
	logger := r.cfg.Logger
	onChange := r.cfg.OnStateChange
	breaker.OnStateChange(func(from, to BreakerState) {
		logger.Warn("breaker_state_changed", "credential", credential, "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(credential, from, to)
		}
	})

	g := New(credential, bucket, breaker, logger)
	r.governors[credential] = g
	return g
}

// States snapshots the breaker state of every known credential.
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerState, len(r.governors))
	for cred, g := range r.governors {
		out[cred] = g.breaker.State()
	}
	return out
}
