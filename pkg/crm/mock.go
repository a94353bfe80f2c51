package crm

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

// MockConfig controls the simulated CRM.
type MockConfig struct {
	Latency time.Duration
	Jitter  time.Duration
	// FailureRates is the probability per call of failing with each category.
	FailureRates map[store.FailureCategory]float64
	Seed         int64
}

// MockCreator is an in-memory CRM with injectable latency and failures. It
// counts creations per idempotency hint so tests can detect duplicates.
type MockCreator struct {
	mu      sync.Mutex
	cfg     MockConfig
	rng     *rand.Rand
	byHint  map[string]int
	records []Record
	forced  []store.FailureCategory
	calls   int
}

func NewMockCreator(cfg MockConfig) *MockCreator {
	rates := make(map[store.FailureCategory]float64, len(cfg.FailureRates))
	for k, v := range cfg.FailureRates {
		rates[k] = v
	}
	cfg.FailureRates = rates
	return &MockCreator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		byHint: make(map[string]int),
	}
}

// SetFailureRate changes the failure probability of one category.
func (m *MockCreator) SetFailureRate(category store.FailureCategory, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.FailureRates[category] = rate
}

// Heal clears every failure rate and forced failure.
func (m *MockCreator) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.cfg.FailureRates {
		m.cfg.FailureRates[k] = 0
	}
	m.forced = nil
}

// FailNext forces the next n calls to fail with category.
func (m *MockCreator) FailNext(category store.FailureCategory, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.forced = append(m.forced, category)
	}
}

func (m *MockCreator) CreateRecord(ctx context.Context, kind string, payload map[string]any, idempotencyHint string) (Record, error) {
	m.mu.Lock()
	delay := m.cfg.Latency
	if m.cfg.Jitter > 0 {
		delay += time.Duration(m.rng.Int63n(int64(m.cfg.Jitter)))
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(delay):
		}
	} else if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.forced) > 0 {
		cat := m.forced[0]
		m.forced = m.forced[1:]
		return Record{}, NewError(cat, fmt.Errorf("injected %s failure", cat))
	}
	if cat, ok := m.drawFailure(); ok {
		return Record{}, NewError(cat, fmt.Errorf("simulated %s failure", cat))
	}

	m.byHint[idempotencyHint]++
	rec := Record{
		ID:        fmt.Sprintf("mock-%s-%d", kind, len(m.records)+1),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	m.records = append(m.records, rec)
	return rec, nil
}

// drawFailure walks categories in a fixed order so a seed gives a fixed sequence.
func (m *MockCreator) drawFailure() (store.FailureCategory, bool) {
	if len(m.cfg.FailureRates) == 0 {
		return "", false
	}
	cats := make([]string, 0, len(m.cfg.FailureRates))
	for c := range m.cfg.FailureRates {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)

	r := m.rng.Float64()
	acc := 0.0
	for _, c := range cats {
		acc += m.cfg.FailureRates[store.FailureCategory(c)]
		if r < acc {
			return store.FailureCategory(c), true
		}
	}
	return "", false
}

// Calls counts every CreateRecord that reached the mock.
func (m *MockCreator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Created counts successful creations.
func (m *MockCreator) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Duplicates counts creations beyond the first for every idempotency hint.
func (m *MockCreator) Duplicates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.byHint {
		if c > 1 {
			n += c - 1
		}
	}
	return n
}

// CreatedFor returns how many records were created for a hint.
func (m *MockCreator) CreatedFor(hint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byHint[hint]
}

// Records returns a copy of every created record.
func (m *MockCreator) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
