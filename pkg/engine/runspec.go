package engine

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine/distribution"
	"github.com/rmax-ai/crmseed/pkg/store"
	"gopkg.in/yaml.v3"
)

// RunSpec is the YAML form of a run definition.
type RunSpec struct {
	Owner       string          `yaml:"owner" json:"owner"`
	Shape       string          `yaml:"shape" json:"shape"`
	Total       int             `yaml:"total" json:"total"`
	Start       time.Time       `yaml:"start" json:"start"`
	Duration    time.Duration   `yaml:"duration" json:"duration"`
	JitterPct   float64         `yaml:"jitter_pct" json:"jitter_pct"`
	Seed        int64           `yaml:"seed" json:"seed"`
	Mix         store.RecordMix `yaml:"mix" json:"mix"`
	Credential  string          `yaml:"credential" json:"credential"`
	Concurrency int             `yaml:"concurrency" json:"concurrency"`
	MaxRetries  *int            `yaml:"max_retries" json:"max_retries,omitempty"`
}

// Defaults applied to RunSpec fields left empty.
const (
	DefaultShape       = "linear"
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	DefaultCredential  = "default"
	MaxConcurrency     = 10
)

// ParseRunSpec decodes a YAML run definition. Unknown fields are rejected.
func ParseRunSpec(data []byte) (*RunSpec, error) {
	var spec RunSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse run spec: %w", err)
	}
	return &spec, nil
}

// LoadRunSpec reads and parses a run definition file.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRunSpec(data)
}

// Config validates the run definition, fills defaults and returns the run configuration.
func (s *RunSpec) Config() (store.RunConfig, error) {
	cfg := store.RunConfig{
		Total:       s.Total,
		Start:       s.Start,
		Duration:    s.Duration,
		Shape:       s.Shape,
		JitterPct:   s.JitterPct,
		Seed:        s.Seed,
		Mix:         s.Mix,
		Credential:  s.Credential,
		Concurrency: s.Concurrency,
		MaxRetries:  DefaultMaxRetries,
	}
	if s.MaxRetries != nil {
		cfg.MaxRetries = *s.MaxRetries
	}
	if cfg.Shape == "" {
		cfg.Shape = DefaultShape
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC()
	}
	if cfg.Credential == "" {
		cfg.Credential = DefaultCredential
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Mix == (store.RecordMix{}) {
		cfg.Mix = store.RecordMix{Contacts: 1}
	}
	return cfg, ValidateConfig(cfg)
}

// ValidateConfig checks a run configuration before it is persisted.
func ValidateConfig(cfg store.RunConfig) error {
	params, err := ScheduleParams(cfg)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: concurrency must be within [1, %d], got %d", distribution.ErrInvalidParams, MaxConcurrency, cfg.Concurrency)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", distribution.ErrInvalidParams)
	}
	if cfg.Mix.Contacts < 0 || cfg.Mix.Companies < 0 || cfg.Mix.Deals < 0 {
		return fmt.Errorf("%w: record mix weights must be >= 0", distribution.ErrInvalidParams)
	}
	return nil
}

// clampConcurrency bounds worker count to [1, MaxConcurrency].
func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
