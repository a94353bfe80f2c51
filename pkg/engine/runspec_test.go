package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine/distribution"
	"github.com/rmax-ai/crmseed/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunSpecDefaults(t *testing.T) {
	spec, err := ParseRunSpec([]byte(`
owner: alice
total: 100
start: 2026-04-01T09:00:00Z
duration: 2h
`))
	require.NoError(t, err)

	cfg, err := spec.Config()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Total)
	assert.Equal(t, 2*time.Hour, cfg.Duration)
	assert.Equal(t, DefaultShape, cfg.Shape)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultCredential, cfg.Credential)
	assert.Equal(t, store.RecordMix{Contacts: 1}, cfg.Mix)
}

func TestParseRunSpecExplicitZeroRetries(t *testing.T) {
	spec, err := ParseRunSpec([]byte(`
total: 10
duration: 1h
shape: front_loaded
max_retries: 0
mix:
  contacts: 3
  deals: 1
`))
	require.NoError(t, err)

	cfg, err := spec.Config()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, "front_loaded", cfg.Shape)
	assert.Equal(t, store.RecordMix{Contacts: 3, Deals: 1}, cfg.Mix)
	assert.False(t, cfg.Start.IsZero())
}

func TestParseRunSpecRejectsUnknownFields(t *testing.T) {
	_, err := ParseRunSpec([]byte("total: 10\nturbo: true\n"))
	assert.Error(t, err)
}

func TestRunSpecValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative total", "total: -1\nduration: 1h\n"},
		{"negative duration", "total: 5\nduration: -1h\n"},
		{"bad shape", "total: 5\nduration: 1h\nshape: sawtooth\n"},
		{"jitter too high", "total: 5\nduration: 1h\njitter_pct: 80\n"},
		{"concurrency too high", "total: 5\nduration: 1h\nconcurrency: 11\n"},
		{"negative retries", "total: 5\nduration: 1h\nmax_retries: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseRunSpec([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = spec.Config()
			assert.Error(t, err)
		})
	}
}

func TestValidateConfigWrapsInvalidParams(t *testing.T) {
	cfg := store.RunConfig{Total: 5, Duration: time.Hour, Shape: "linear", Concurrency: 20}
	assert.ErrorIs(t, ValidateConfig(cfg), distribution.ErrInvalidParams)
}

func TestLoadRunSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("total: 3\nduration: 10m\nshape: trickle\n"), 0o600))

	spec, err := LoadRunSpec(path)
	require.NoError(t, err)
	assert.Equal(t, 3, spec.Total)
	assert.Equal(t, "trickle", spec.Shape)

	_, err = LoadRunSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, clampConcurrency(0))
	assert.Equal(t, 4, clampConcurrency(4))
	assert.Equal(t, MaxConcurrency, clampConcurrency(50))
}
