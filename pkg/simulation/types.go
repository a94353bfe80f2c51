package simulation

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Scenario describes one in-process seeding rehearsal against the mock CRM.
type Scenario struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Seed        int64           `json:"seed" yaml:"seed"` // Deterministic seed
	Timeout     time.Duration   `json:"timeout" yaml:"timeout"`
	CRM         CRMConfig       `json:"crm" yaml:"crm"`
	Governor    GovernorConfig  `json:"governor" yaml:"governor"`
	Runs        []RunConfig     `json:"runs" yaml:"runs"`
	Sabotage    *SabotageConfig `json:"sabotage,omitempty" yaml:"sabotage,omitempty"`
	Replay      *ReplayConfig   `json:"replay,omitempty" yaml:"replay,omitempty"`
	Invariants  []Invariant     `json:"invariants,omitempty" yaml:"invariants,omitempty"`
}

// RunConfig is a run definition whose window starts StartAfter into the scenario.
type RunConfig struct {
	Name       string         `json:"name" yaml:"name"`
	StartAfter time.Duration  `json:"start_after" yaml:"start_after"`
	Spec       engine.RunSpec `json:"spec" yaml:"spec"`
}

type CRMConfig struct {
	Latency      time.Duration      `json:"latency" yaml:"latency"`
	Jitter       time.Duration      `json:"jitter" yaml:"jitter"`
	FailureRates map[string]float64 `json:"failure_rates" yaml:"failure_rates"`
}

type GovernorConfig struct {
	Capacity         float64       `json:"capacity" yaml:"capacity"`
	RefillPerSecond  float64       `json:"refill_per_second" yaml:"refill_per_second"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Window           time.Duration `json:"window" yaml:"window"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
	BackoffBase      time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax       time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// SabotageConfig forces Amount failures of Category every Interval.
type SabotageConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Amount   int           `json:"amount" yaml:"amount"`
	Category string        `json:"category" yaml:"category"`
}

// ReplayConfig replays dead letters of every run once it has drained.
type ReplayConfig struct {
	Categories   []string `json:"categories" yaml:"categories"`
	Strategy     string   `json:"strategy" yaml:"strategy"`
	Limit        int      `json:"limit" yaml:"limit"`
	UseFullRetry bool     `json:"use_full_retry" yaml:"use_full_retry"`
	// HealBeforeReplay clears failure rates and pending sabotage first.
	HealBeforeReplay bool `json:"heal_before_replay" yaml:"heal_before_replay"`
}

type Invariant struct {
	Metric    string  `json:"metric" yaml:"metric"`       // e.g., "success_rate", "dead_rate", "duplicates"
	Condition string  `json:"condition" yaml:"condition"` // e.g., ">", "<", ">=", "<="
	Value     float64 `json:"value" yaml:"value"`
	Scope     string  `json:"scope" yaml:"scope"` // "global" or a run name
}

// SimulationResult captures the final state of the simulation for reporting
type SimulationResult struct {
	ScenarioName string               `json:"scenario_name"`
	Elapsed      time.Duration        `json:"elapsed"`
	Calls        int                  `json:"calls"`
	Duplicates   int                  `json:"duplicates"`
	Injected     int                  `json:"injected"`
	Replayed     int                  `json:"replayed"`
	Runs         map[string]*RunStats `json:"runs"`
	Invariants   []InvariantResult    `json:"invariants"`
	Success      bool                 `json:"success"`
}

type RunStats struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Skipped   int    `json:"skipped"`
	Dead      int    `json:"dead"`
	DLQ       int    `json:"dlq"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Scope    string `json:"scope"`
	Expected string `json:"expected"` // e.g. "> 0.95"
	Actual   string `json:"actual"`   // e.g. "0.98"
	Passed   bool   `json:"passed"`
}

// ParseScenario decodes a YAML (or JSON) scenario. Unknown fields are rejected.
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return s, nil
}

func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	return ParseScenario(data)
}

// DefaultScenario seeds two small runs through a flaky CRM and replays what died.
func DefaultScenario() Scenario {
	retries := 2
	return Scenario{
		Name:        "Default Demo",
		Description: "Two overlapping runs against a CRM with transient and permanent failures",
		Seed:        42,
		Timeout:     30 * time.Second,
		CRM: CRMConfig{
			Latency:      2 * time.Millisecond,
			FailureRates: map[string]float64{"network": 0.1, "validation": 0.02},
		},
		Runs: []RunConfig{
			{Name: "contacts", Spec: engine.RunSpec{Shape: "linear", Total: 200, Duration: 2 * time.Second, Seed: 1, MaxRetries: &retries}},
			{Name: "deals", StartAfter: 500 * time.Millisecond, Spec: engine.RunSpec{Shape: "bell", Total: 100, Duration: 2 * time.Second, Seed: 2, MaxRetries: &retries}},
		},
		Replay: &ReplayConfig{HealBeforeReplay: true},
		Invariants: []Invariant{
			{Metric: "duplicates", Condition: "==", Value: 0},
			{Metric: "over_processed", Condition: "==", Value: 0},
			{Metric: "success_rate", Condition: ">=", Value: 0.95},
		},
	}
}
