package governor

import (
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type BreakerConfig struct {
	// FailureThreshold consecutive upstream failures inside Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Window: 30 * time.Second, Cooldown: 15 * time.Second}
}

// Breaker is a CLOSED / OPEN / HALF_OPEN circuit breaker.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	streak      int
	streakStart time.Time
	openedAt    time.Time
	probing     bool
	now         func() time.Time
	onChange    func(from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers a callback fired (under the breaker lock) on every transition.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// advance moves OPEN to HALF_OPEN once the cooldown has passed.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.probing = false
		b.setState(StateHalfOpen)
	}
}

// Allow reports whether a call may go upstream. probe is true when the call
// is the single HALF_OPEN probe. When denied, wait is the remaining cooldown.
func (b *Breaker) Allow() (ok, probe bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case StateClosed:
		return true, false, 0
	case StateHalfOpen:
		if b.probing {
			return false, false, b.cfg.Cooldown
		}
		b.probing = true
		return true, true, 0
	default:
		return false, false, b.cfg.Cooldown - b.now().Sub(b.openedAt)
	}
}

// Success records an upstream success.
func (b *Breaker) Success(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak = 0
	if probe && b.state == StateHalfOpen {
		b.probing = false
		b.setState(StateClosed)
	}
}

// Failure records a retryable upstream rejection.
func (b *Breaker) Failure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		if probe {
			b.trip(now)
		}
	case StateClosed:
		if b.streak == 0 || now.Sub(b.streakStart) > b.cfg.Window {
			b.streak = 0
			b.streakStart = now
		}
		b.streak++
		if b.streak >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

// Release frees the probe slot without judging upstream health.
func (b *Breaker) Release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.streak = 0
	b.probing = false
	b.openedAt = now
	b.setState(StateOpen)
}
