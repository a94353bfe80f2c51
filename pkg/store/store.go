package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config selects and tunes the relational backend.
type Config struct {
	Driver          string
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) Validate() error {
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		return fmt.Errorf("unsupported store driver: %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("store DSN is required")
	}
	if c.PingTimeout < 0 {
		return errors.New("store ping timeout must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return errors.New("store max idle conns must be <= max open conns")
	}
	return nil
}

// Store manages the relational connection and schema for runs, dead letters,
// replay audits, idempotency claims and leases.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore opens a SQLite database at dbPath.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	return Open(context.Background(), Config{
		Driver:      DriverSQLite,
		DSN:         dbPath,
		PingTimeout: 2 * time.Second,
	})
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s db: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s db: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// Enable WAL mode (Write-Ahead Logging)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites '?' placeholders into the driver's native form.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Times are stored as unix milliseconds so both backends compare them the same way.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			status TEXT NOT NULL,
			override_version INTEGER NOT NULL DEFAULT 1,
			shape TEXT NOT NULL,
			config TEXT NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT NOT NULL,
			total_items INTEGER NOT NULL,
			processed_items INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			dead INTEGER NOT NULL DEFAULT 0,
			created_ms BIGINT NOT NULL,
			updated_ms BIGINT NOT NULL,
			CHECK (processed_items <= total_items)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner)`,

		// Dead letters keep the descriptor needed to rebuild the scheduled item.
		`CREATE TABLE IF NOT EXISTS dlq_entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			override_version INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT NOT NULL,
			category TEXT NOT NULL,
			last_error TEXT NOT NULL,
			enqueued_ms BIGINT NOT NULL,
			failed_ms BIGINT NOT NULL,
			retry_count INTEGER NOT NULL,
			replayed_ms BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_run ON dlq_entries(run_id, replayed_ms)`,

		`CREATE TABLE IF NOT EXISTS replay_audits (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			dry_run INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			candidate_count INTEGER NOT NULL,
			selected_count INTEGER NOT NULL,
			replayed_count INTEGER NOT NULL,
			filter TEXT NOT NULL,
			actor TEXT NOT NULL,
			created_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_audits_run ON replay_audits(run_id, created_ms)`,

		`CREATE TABLE IF NOT EXISTS claims (
			claim_key TEXT PRIMARY KEY,
			expires_ms BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			expires_ms BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			epoch BIGINT NOT NULL DEFAULT 1
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
