package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes one token atomically.
// KEYS[1] bucket hash; ARGV: capacity, refill per second, now (ms).
// Returns {allowed, wait_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed > 0 then
	tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
	ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], math.ceil((capacity / rate) * 1000) + 1000)
return {allowed, wait}
`)

// TokenBucket is a token bucket whose state lives in Redis, so every process
// using the same credential draws from one budget.
type TokenBucket struct {
	client   *redis.Client
	key      string
	capacity float64
	rate     float64
	now      func() time.Time
}

// NewTokenBucket creates a shared bucket for credential.
func NewTokenBucket(client *redis.Client, credential string, capacity, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		client:   client,
		key:      keyPrefix + "bucket:" + credential,
		capacity: capacity,
		rate:     refillPerSecond,
		now:      time.Now,
	}
}

// Take tries to consume one token. When denied it returns how long until a
// token becomes available.
func (b *TokenBucket) Take(ctx context.Context) (bool, time.Duration, error) {
	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.key},
		b.capacity, b.rate, b.now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
