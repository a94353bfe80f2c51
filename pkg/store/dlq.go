package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxErrorLen bounds the stored error summary.
const maxErrorLen = 512

// TruncateText returns valid UTF-8 of at most n bytes, cut on a rune boundary.
func TruncateText(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

const dlqColumns = `id, run_id, override_version, sequence, payload, category, last_error,
	enqueued_ms, failed_ms, retry_count, replayed_ms`

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	var (
		e           DLQEntry
		payloadJSON string
		category    string
		enqueuedMs  int64
		failedMs    int64
		replayedMs  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.RunID, &e.OverrideVersion, &e.Sequence, &payloadJSON, &category,
		&e.LastError, &enqueuedMs, &failedMs, &e.RetryCount, &replayedMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode dlq payload %s: %w", e.ID, err)
	}
	e.Category = FailureCategory(category)
	e.EnqueuedAt = fromMillis(enqueuedMs)
	e.FailedAt = fromMillis(failedMs)
	if replayedMs.Valid {
		t := fromMillis(replayedMs.Int64)
		e.ReplayedAt = &t
	}
	return &e, nil
}

// InsertDLQEntry stores a dead item.
func (s *Store) InsertDLQEntry(ctx context.Context, e *DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	e.LastError = TruncateText(e.LastError, maxErrorLen)
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode dlq payload: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO dlq_entries (id, run_id, override_version, sequence, payload, category, last_error,
			enqueued_ms, failed_ms, retry_count, replayed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, e.ID, e.RunID, e.OverrideVersion, e.Sequence, string(payloadJSON), string(e.Category), e.LastError,
		toMillis(e.EnqueuedAt), toMillis(e.FailedAt), e.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return nil
}

// ListDLQEntries returns dead letters oldest first.
func (s *Store) ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if !filter.IncludeReplayed {
		query += ` AND replayed_ms IS NULL`
	}
	if len(filter.Categories) > 0 {
		query += ` AND category IN (` + placeholders(len(filter.Categories)) + `)`
		for _, c := range filter.Categories {
			args = append(args, string(c))
		}
	}
	query += ` ORDER BY enqueued_ms, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.listDLQ(ctx, query, args...)
}

func (s *Store) listDLQ(ctx context.Context, query string, args ...any) ([]*DLQEntry, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []*DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountDLQEntries returns the number of pending (not replayed) dead letters for a run.
func (s *Store) CountDLQEntries(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM dlq_entries WHERE run_id = ? AND replayed_ms IS NULL
	`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dlq entries: %w", err)
	}
	return n, nil
}

// MarkReplayed flags a pending dead letter as consumed. It returns false when
// another replay already took it.
func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE dlq_entries SET replayed_ms = ? WHERE id = ? AND replayed_ms IS NULL
	`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark dlq entry replayed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReadReplayedBefore returns replayed dead letters older than cutoff, for archival.
func (s *Store) ReadReplayedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listDLQ(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE replayed_ms IS NOT NULL AND replayed_ms < ?
		ORDER BY replayed_ms, id
		LIMIT ?
	`, toMillis(cutoff), limit)
}

// DeleteDLQEntries removes dead letters by id.
func (s *Store) DeleteDLQEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.exec(ctx, `DELETE FROM dlq_entries WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete dlq entries: %w", err)
	}
	return nil
}

// PruneReplayed deletes replayed dead letters older than the retention window.
func (s *Store) PruneReplayed(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.exec(ctx, `
		DELETE FROM dlq_entries WHERE replayed_ms IS NOT NULL AND replayed_ms < ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune replayed dlq entries: %w", err)
	}
	return res.RowsAffected()
}

// PendingDLQSequences returns the sequence indexes of a run version that are
// dead and not yet replayed. Resumed runs must not execute them again.
func (s *Store) PendingDLQSequences(ctx context.Context, runID string, version int) (map[int]bool, error) {
	rows, err := s.query(ctx, `
		SELECT sequence FROM dlq_entries
		WHERE run_id = ? AND override_version = ? AND replayed_ms IS NULL
	`, runID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead sequences: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to scan dead sequence: %w", err)
		}
		out[seq] = true
	}
	return out, rows.Err()
}

// RestoreReplayed clears the replayed mark of entries whose re-injection failed.
func (s *Store) RestoreReplayed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.exec(ctx, `UPDATE dlq_entries SET replayed_ms = NULL WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("failed to restore dlq entries: %w", err)
	}
	return nil
}
