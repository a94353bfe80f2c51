package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertReplayAudit appends an audit row. Audit rows are never updated.
func (s *Store) InsertReplayAudit(ctx context.Context, a *ReplayAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	filter := string(a.Filter)
	if filter == "" {
		filter = "{}"
	}

	_, err := s.exec(ctx, `
		INSERT INTO replay_audits (id, run_id, dry_run, strategy, candidate_count, selected_count,
			replayed_count, filter, actor, created_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, boolInt(a.DryRun), a.Strategy, a.CandidateCount, a.SelectedCount,
		a.ReplayedCount, filter, a.Actor, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert replay audit: %w", err)
	}
	return nil
}

// ListReplayAudits returns audits newest first, optionally scoped to one run.
func (s *Store) ListReplayAudits(ctx context.Context, runID string, limit int) ([]*ReplayAudit, error) {
	query := `SELECT id, run_id, dry_run, strategy, candidate_count, selected_count, replayed_count,
		filter, actor, created_ms FROM replay_audits`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_ms DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay audits: %w", err)
	}
	defer rows.Close()

	var audits []*ReplayAudit
	for rows.Next() {
		var (
			a         ReplayAudit
			dryRun    int
			filter    string
			createdMs int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &dryRun, &a.Strategy, &a.CandidateCount, &a.SelectedCount,
			&a.ReplayedCount, &filter, &a.Actor, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan replay audit: %w", err)
		}
		a.DryRun = dryRun != 0
		a.Filter = []byte(filter)
		a.CreatedAt = fromMillis(createdMs)
		audits = append(audits, &a)
	}
	return audits, rows.Err()
}
