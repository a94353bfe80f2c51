package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, owner, status, override_version, config, total_items, processed_items,
	succeeded, skipped, dead, created_ms, updated_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		status     string
		configJSON string
		createdMs  int64
		updatedMs  int64
	)
	if err := row.Scan(&r.ID, &r.Owner, &status, &r.OverrideVersion, &configJSON, &r.TotalItems,
		&r.ProcessedItems, &r.Succeeded, &r.Skipped, &r.Dead, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("failed to decode run config %s: %w", r.ID, err)
	}
	r.Status = RunStatus(status)
	r.CreatedAt = fromMillis(createdMs)
	r.UpdatedAt = fromMillis(updatedMs)
	return &r, nil
}

// CreateRun persists a new queued run. ID, timestamps and override version are
// filled in when empty.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Status = RunStatusQueued
	if run.OverrideVersion == 0 {
		run.OverrideVersion = 1
	}
	run.TotalItems = run.Config.Total

	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO runs (id, owner, status, override_version, shape, config, start_ms, end_ms,
			total_items, processed_items, succeeded, skipped, dead, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)
	`, run.ID, run.Owner, string(run.Status), run.OverrideVersion, run.Config.Shape, string(configJSON),
		toMillis(run.StartTime()), toMillis(run.EndTime()), run.TotalItems, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_ms DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run to a new status. The update only applies when the
// current status may legally precede the target, so concurrent writers can
// never move a run backwards. Moving a run to the status it already has is a no-op.
func (s *Store) TransitionRun(ctx context.Context, id string, to RunStatus) error {
	from := allowedFrom[to]
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, to)
	}

	args := []any{string(to), toMillis(time.Now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, `
		UPDATE runs SET status = ?, updated_ms = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// IncrementProcessed records one successful item. It is a single conditional
// UPDATE, so concurrent workers never lose updates and the processed count can
// never pass the total. It returns false when the run is already full.
func (s *Store) IncrementProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE runs
		SET processed_items = processed_items + 1, succeeded = succeeded + 1, updated_ms = ?
		WHERE id = ? AND processed_items < total_items
	`, toMillis(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to increment processed count: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// AddToCounter adjusts the skipped or dead counter by delta; counters never drop below zero.
func (s *Store) AddToCounter(ctx context.Context, id string, counter Counter, delta int) error {
	var column string
	switch counter {
	case CounterSkipped:
		column = "skipped"
	case CounterDead:
		column = "dead"
	default:
		return fmt.Errorf("counter %q cannot be adjusted directly", counter)
	}

	_, err := s.exec(ctx, `
		UPDATE runs SET `+column+` = `+column+` + ?, updated_ms = ?
		WHERE id = ? AND `+column+` + ? >= 0
	`, delta, toMillis(time.Now()), id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust %s counter: %w", column, err)
	}
	return nil
}

// OverrideRun replaces the configuration of a non-terminal run and bumps its
// override version. Counters are reset because every idempotency key derived
// from the previous version is now stale.
func (s *Store) OverrideRun(ctx context.Context, id string, cfg RunConfig) (*Run, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}

	res, err := s.exec(ctx, `
		UPDATE runs
		SET override_version = override_version + 1, config = ?, shape = ?, start_ms = ?, end_ms = ?,
			total_items = ?, processed_items = 0, succeeded = 0, skipped = 0, dead = 0, updated_ms = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(configJSON), cfg.Shape, toMillis(cfg.Start), toMillis(cfg.Start.Add(cfg.Duration)),
		cfg.Total, toMillis(time.Now()), id, string(RunStatusQueued), string(RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to override run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: cannot override %s run", ErrInvalidTransition, run.Status)
	}
	return run, nil
}
