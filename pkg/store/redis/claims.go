package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint used while walking keys for DeletePrefix.
const scanBatch = 500

// ClaimStore keeps idempotency claims as plain keys with a PX expiry.
type ClaimStore struct {
	client *redis.Client
}

func NewClaimStore(client *redis.Client) *ClaimStore {
	return &ClaimStore{client: client}
}

// SetNX claims key for ttl. It reports false when another caller holds it.
func (s *ClaimStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *ClaimStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete claim %s: %w", key, err)
	}
	return nil
}

// DeletePrefix scans for keys starting with prefix and deletes them in batches.
func (s *ClaimStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan claims: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete claims: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
