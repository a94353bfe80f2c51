package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, string, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "crmseed-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "crmseed.db")
	store, err := NewStore(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("NewStore failed: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, dbPath, cleanup
}

func TestNewStore(t *testing.T) {
	store, dbPath, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("database file was not created at %s", dbPath)
	}

	for _, table := range []string{"runs", "dlq_entries", "replay_audits", "claims", "leases"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %s", mode)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite", Config{Driver: DriverSQLite, DSN: "x.db"}, false},
		{"postgres", Config{Driver: DriverPostgres, DSN: "postgres://localhost/crmseed", MaxOpenConns: 4, MaxIdleConns: 2}, false},
		{"unknown driver", Config{Driver: "mysql", DSN: "x"}, true},
		{"empty dsn", Config{Driver: DriverSQLite, DSN: "  "}, true},
		{"negative ping", Config{Driver: DriverSQLite, DSN: "x.db", PingTimeout: -time.Second}, true},
		{"idle above open", Config{Driver: DriverPostgres, DSN: "x", MaxOpenConns: 1, MaxIdleConns: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	got := pg.rebind("UPDATE runs SET a = ? WHERE id = ? AND status IN (?, ?)")
	want := "UPDATE runs SET a = $1 WHERE id = $2 AND status IN ($3, $4)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &Store{driver: DriverSQLite}
	if q := lite.rebind("SELECT ?"); q != "SELECT ?" {
		t.Errorf("sqlite query should be unchanged, got %q", q)
	}

	if p := placeholders(3); p != "?, ?, ?" {
		t.Errorf("placeholders(3) = %q", p)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 123_000_000, time.UTC)
	if got := fromMillis(toMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip mismatch: %v != %v", got, ts)
	}
	if !fromMillis(toMillis(time.Time{})).IsZero() {
		t.Error("zero time should survive round trip")
	}
}
