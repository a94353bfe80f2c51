// Package distribution turns "N records over a window with a shape" into a
// reproducible list of fire times.
package distribution

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// ErrInvalidParams is wrapped by every validation failure.
var ErrInvalidParams = errors.New("invalid distribution params")

// MaxJitterPct caps Params.JitterPct.
const MaxJitterPct = 50

// gridCells is the resolution of the numerically integrated CDF.
const gridCells = 4096

type Shape string

const (
	Linear       Shape = "linear"
	Bell         Shape = "bell"
	FrontLoaded  Shape = "front_loaded"
	BackLoaded   Shape = "back_loaded"
	Trickle      Shape = "trickle"
	RandomBursts Shape = "random_bursts"
	DailySpike   Shape = "daily_spike"
	WeekendSurge Shape = "weekend_surge"
)

var allShapes = []Shape{Linear, Bell, FrontLoaded, BackLoaded, Trickle, RandomBursts, DailySpike, WeekendSurge}

// Shapes returns every supported shape.
func Shapes() []Shape {
	out := make([]Shape, len(allShapes))
	copy(out, allShapes)
	return out
}

// ParseShape resolves a shape name, case-insensitively.
func ParseShape(s string) (Shape, error) {
	want := Shape(strings.ToLower(strings.TrimSpace(s)))
	for _, sh := range allShapes {
		if sh == want {
			return sh, nil
		}
	}
	return "", fmt.Errorf("%w: unknown shape %q", ErrInvalidParams, s)
}

// Params describes one schedule request.
type Params struct {
	Total     int
	Start     time.Time
	Duration  time.Duration
	Shape     Shape
	JitterPct float64
	Seed      int64
}

func (p Params) Validate() error {
	if p.Total < 0 {
		return fmt.Errorf("%w: total must be >= 0, got %d", ErrInvalidParams, p.Total)
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: duration must be >= 0, got %s", ErrInvalidParams, p.Duration)
	}
	if math.IsNaN(p.JitterPct) || p.JitterPct < 0 || p.JitterPct > MaxJitterPct {
		return fmt.Errorf("%w: jitter must be within [0, %d], got %v", ErrInvalidParams, MaxJitterPct, p.JitterPct)
	}
	if _, err := ParseShape(string(p.Shape)); err != nil {
		return err
	}
	return nil
}

// End returns the last instant of the window.
func (p Params) End() time.Time { return p.Start.Add(p.Duration) }

// Schedule returns exactly p.Total instants inside [Start, Start+Duration].
// Identical params always produce identical output.
func Schedule(p Params) ([]time.Time, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Total == 0 {
		return []time.Time{}, nil
	}

	out := make([]time.Time, p.Total)
	if p.Duration == 0 {
		for i := range out {
			out[i] = p.Start
		}
		return out, nil
	}

	rng := rand.New(rand.NewSource(p.Seed))
	offsets := fractions(p, rng)

	span := float64(p.Duration)
	for i, u := range offsets {
		out[i] = p.Start.Add(time.Duration(clamp01(u) * span))
	}

	if p.JitterPct > 0 {
		applyJitter(out, p, rng)
	}
	return out, nil
}

// fractions places each item at a position in [0, 1] of the window.
func fractions(p Params, rng *rand.Rand) []float64 {
	n := p.Total
	u := make([]float64, n)

	switch Shape(strings.ToLower(string(p.Shape))) {
	case Linear:
		if n == 1 {
			return u
		}
		for i := range u {
			u[i] = float64(i) / float64(n-1)
		}
	case FrontLoaded:
		// f(u) = 2(1-u): F(u) = 1-(1-u)^2
		for i := range u {
			u[i] = 1 - math.Sqrt(1-quantile(i, n))
		}
	case BackLoaded:
		// f(u) = 2u: F(u) = u^2
		for i := range u {
			u[i] = math.Sqrt(quantile(i, n))
		}
	case Trickle:
		for i := range u {
			u[i] = (float64(i) + rng.Float64()) / float64(n)
		}
	case RandomBursts:
		u = bursts(n, rng)
	case Bell:
		u = gridQuantiles(n, func(x float64) float64 {
			const sigma = 0.15
			d := x - 0.5
			return math.Exp(-(d * d) / (2 * sigma * sigma))
		})
	case DailySpike:
		u = gridQuantiles(n, wallClock(p, dailySpikeWeight))
	case WeekendSurge:
		u = gridQuantiles(n, wallClock(p, weekendWeight))
	}
	return u
}

// quantile is the stratified midpoint (i+0.5)/n.
func quantile(i, n int) float64 {
	return (float64(i) + 0.5) / float64(n)
}

// bursts splits n items into 3-7 contiguous blocks around random centres.
func bursts(n int, rng *rand.Rand) []float64 {
	k := 3 + rng.Intn(5)
	if k > n {
		k = n
	}
	centres := make([]float64, k)
	for i := range centres {
		centres[i] = rng.Float64()
	}
	sort.Float64s(centres)

	width := 1.0 / (4.0 * float64(k))
	u := make([]float64, 0, n)
	base, extra := n/k, n%k
	for b, c := range centres {
		size := base
		if b < extra {
			size++
		}
		lo := c - width/2
		for j := 0; j < size; j++ {
			u = append(u, clamp01(lo+(float64(j)+0.5)/float64(size)*width))
		}
	}
	sort.Float64s(u)
	return u
}

// gridQuantiles integrates density over a fixed grid and inverts the CDF at
// the stratified quantiles, so the item count is exact.
func gridQuantiles(n int, density func(x float64) float64) []float64 {
	cum := make([]float64, gridCells+1)
	for c := 0; c < gridCells; c++ {
		w := density((float64(c) + 0.5) / gridCells)
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		cum[c+1] = cum[c] + w
	}
	total := cum[gridCells]

	u := make([]float64, n)
	if total <= 0 {
		for i := range u {
			u[i] = quantile(i, n)
		}
		return u
	}

	for i := range u {
		target := quantile(i, n) * total
		// first boundary with cum >= target; the cell is the one before it
		idx := sort.SearchFloat64s(cum, target)
		if idx < 1 {
			idx = 1
		}
		if idx > gridCells {
			idx = gridCells
		}
		cell := idx - 1
		w := cum[idx] - cum[cell]
		frac := 0.5
		if w > 0 {
			frac = (target - cum[cell]) / w
		}
		u[i] = (float64(cell) + frac) / gridCells
	}
	return u
}

// wallClock adapts a weight over absolute time into a density over [0, 1].
func wallClock(p Params, weight func(time.Time) float64) func(float64) float64 {
	loc := p.Start.Location()
	span := float64(p.Duration)
	return func(x float64) float64 {
		return weight(p.Start.Add(time.Duration(x * span)).In(loc))
	}
}

const (
	spikeStartHour = 9
	spikeEndHour   = 12
	spikeWeight    = 3.0
	surgeWeight    = 1.3
)

func dailySpikeWeight(t time.Time) float64 {
	if h := t.Hour(); h >= spikeStartHour && h < spikeEndHour {
		return spikeWeight
	}
	return 1
}

func weekendWeight(t time.Time) float64 {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return surgeWeight
	}
	return 1
}

// applyJitter moves each instant by up to ±JitterPct% of the nominal gap.
func applyJitter(ts []time.Time, p Params, rng *rand.Rand) {
	gap := float64(p.Duration) / float64(p.Total)
	maxShift := gap * p.JitterPct / 100
	start, end := p.Start, p.End()
	for i, t := range ts {
		shifted := t.Add(time.Duration((rng.Float64()*2 - 1) * maxShift))
		if shifted.Before(start) {
			shifted = start
		}
		if shifted.After(end) {
			shifted = end
		}
		ts[i] = shifted
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
