package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Claims is the relational idempotency claim store. It satisfies the
// idempotency.ClaimStore interface without importing it.
type Claims struct {
	s   *Store
	now func() time.Time
}

// Claims returns the claim store backed by this database.
func (s *Store) Claims() *Claims {
	return &Claims{s: s, now: time.Now}
}

// SetNX records key if it is absent or its previous claim has expired.
// It reports whether this caller now owns the claim.
func (c *Claims) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()
	expires := toMillis(now.Add(ttl))

	_, err := c.s.exec(ctx, `INSERT INTO claims (claim_key, expires_ms) VALUES (?, ?)`, key, expires)
	if err == nil {
		return true, nil
	}

	res, err := c.s.exec(ctx, `
		UPDATE claims SET expires_ms = ? WHERE claim_key = ? AND expires_ms <= ?
	`, expires, key, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to take over claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// Delete drops a single claim. Missing keys are not an error.
func (c *Claims) Delete(ctx context.Context, key string) error {
	if _, err := c.s.exec(ctx, `DELETE FROM claims WHERE claim_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	return nil
}

// DeletePrefix drops every claim whose key starts with prefix and returns how
// many were removed.
func (c *Claims) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := c.s.exec(ctx, `DELETE FROM claims WHERE claim_key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to delete claims: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(rows), nil
}

// PruneExpired removes claims whose TTL has passed.
func (c *Claims) PruneExpired(ctx context.Context) (int64, error) {
	res, err := c.s.exec(ctx, `DELETE FROM claims WHERE expires_ms <= ?`, toMillis(c.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to prune claims: %w", err)
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
