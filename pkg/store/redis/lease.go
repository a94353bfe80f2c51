package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// acquireScript takes the lease when free or already ours. A new holder bumps
// the epoch, which lives in its own key so it survives lease expiry.
// KEYS[1] lease hash, KEYS[2] epoch counter; ARGV holder, ttl ms.
var acquireScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
if holder and holder ~= ARGV[1] then
	return 0
end
if not holder then
	local epoch = redis.call("INCR", KEYS[2])
	redis.call("HSET", KEYS[1], "holder", ARGV[1], "epoch", epoch, "version", 0)
end
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
	redis.call("HINCRBY", KEYS[1], "version", 1)
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseStore implements store.LeaseStore on Redis hashes.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

var _ store.LeaseStore = (*LeaseStore)(nil)

func (s *LeaseStore) keys(name string) []string {
	base := keyPrefix + "lease:" + name
	return []string{base, base + ":epoch"}
}

func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, s.keys(name), holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return res == 1, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, s.keys(name)[:1], holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to execute renew script: %w", err)
	}
	if res != 1 {
		return store.ErrLeaseLost
	}
	return nil
}

// Release drops the lease when held by holderID; otherwise it does nothing.
func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, s.keys(name)[:1], holderID).Err(); err != nil {
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := s.keys(name)[0]

	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get lease ttl: %w", err)
	}

	version, _ := strconv.ParseInt(vals["version"], 10, 64)
	epoch, _ := strconv.ParseInt(vals["epoch"], 10, 64)
	return &store.Lease{
		Name:      name,
		HolderID:  vals["holder"],
		ExpiresAt: time.Now().Add(ttl),
		Version:   version,
		Epoch:     epoch,
	}, nil
}
