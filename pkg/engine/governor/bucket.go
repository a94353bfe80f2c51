package governor

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is a source of admission tokens. TokenBucket is the in-process
// implementation; pkg/store/redis provides one shared across processes.
type Bucket interface {
	// Take consumes one token if available; otherwise it reports how long
	// until the next one.
	Take(ctx context.Context) (bool, time.Duration, error)
}

// TokenBucket refills continuously at rate tokens per second up to capacity.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = capacity
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     refillPerSecond,
		tokens:   capacity,
		last:     time.Now(),
		now:      time.Now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.rate)
	}
	b.last = now
}

// TryAdmit takes a token without blocking.
func (b *TokenBucket) TryAdmit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter is the time until the next token is available.
func (b *TokenBucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Tokens reports the current balance.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *TokenBucket) Take(_ context.Context) (bool, time.Duration, error) {
	if b.TryAdmit() {
		return true, 0, nil
	}
	return false, b.RetryAfter(), nil
}
