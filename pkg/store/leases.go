package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is returned by Renew when another holder owns the lease.
var ErrLeaseLost = errors.New("lease lost or stolen")

// Leases is the relational LeaseStore used for leader election when Redis is
// not configured.
type Leases struct {
	s *Store
}

// Leases returns the lease store backed by this database.
func (s *Store) Leases() *Leases {
	return &Leases{s: s}
}

var _ LeaseStore = (*Leases)(nil)

// Acquire tries to acquire the lease. Returns true if successful.
// If the lease is already held by holderID, it renews it. Taking over an
// expired lease from another holder starts a new epoch.
func (l *Leases) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiry := now.Add(ttl)

	_, err := l.s.exec(ctx, `
		INSERT INTO leases (name, holder_id, expires_ms, version, epoch)
		VALUES (?, ?, ?, 1, 1)
	`, name, holderID, toMillis(expiry))
	if err == nil {
		return true, nil
	}

	// Row exists: take it over if we hold it or it has expired, in one UPDATE.
	res, err := l.s.exec(ctx, `
		UPDATE leases
		SET expires_ms = ?, version = version + 1,
			epoch = CASE WHEN holder_id = ? THEN epoch ELSE epoch + 1 END,
			holder_id = ?
		WHERE name = ? AND (holder_id = ? OR expires_ms < ?)
	`, toMillis(expiry), holderID, holderID, name, holderID, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to update lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// Renew updates the expiry of an existing lease held by holderID.
func (l *Leases) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	expiry := time.Now().UTC().Add(ttl)

	res, err := l.s.exec(ctx, `
		UPDATE leases SET expires_ms = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, toMillis(expiry), name, holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release expires the lease if held by holderID. The row is kept so the next
// holder continues the epoch sequence.
func (l *Leases) Release(ctx context.Context, name, holderID string) error {
	if _, err := l.s.exec(ctx, `
		UPDATE leases SET expires_ms = 0, version = version + 1 WHERE name = ? AND holder_id = ?
	`, name, holderID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current lease state, or nil when nobody holds it or it expired.
func (l *Leases) Get(ctx context.Context, name string) (*Lease, error) {
	var (
		lease     Lease
		expiresMs int64
	)
	err := l.s.queryRow(ctx, `
		SELECT name, holder_id, expires_ms, version, epoch FROM leases WHERE name = ?
	`, name).Scan(&lease.Name, &lease.HolderID, &expiresMs, &lease.Version, &lease.Epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.ExpiresAt = fromMillis(expiresMs)
	if !lease.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return &lease, nil
}
