// Package replay re-drives dead letters through the executor.
package replay

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

type Strategy string

const (
	Oldest Strategy = "oldest"
	Newest Strategy = "newest"
	Random Strategy = "random"
)

// ParseStrategy defaults to Oldest.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return Oldest, nil
	case Oldest, Newest, Random:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, s)
}

// Selection filters and orders replay candidates.
type Selection struct {
	JobIDs     []string
	Categories []store.FailureCategory
	// Limit <= 0 keeps every match.
	Limit    int
	Strategy Strategy
}

// SelectCandidates filters entries by id and category, orders them by
// strategy and truncates to the limit. The input slice is not modified.
// rng is only used by Random; nil means a time-seeded source.
func SelectCandidates(entries []*store.DLQEntry, sel Selection, rng *rand.Rand) []*store.DLQEntry {
	return pick(MatchCandidates(entries, sel), sel, rng)
}

// MatchCandidates returns, in input order, the entries passing the id and
// category filters. The limit is not applied.
func MatchCandidates(entries []*store.DLQEntry, sel Selection) []*store.DLQEntry {
	ids := make(map[string]bool, len(sel.JobIDs))
	for _, id := range sel.JobIDs {
		ids[id] = true
	}
	cats := make(map[store.FailureCategory]bool, len(sel.Categories))
	for _, c := range sel.Categories {
		cats[c] = true
	}

	out := make([]*store.DLQEntry, 0, len(entries))
	for _, e := range entries {
		if len(ids) > 0 && !ids[e.ID] {
			continue
		}
		if len(cats) > 0 && !cats[e.Category] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// pick orders matched entries in place and applies the limit.
func pick(out []*store.DLQEntry, sel Selection, rng *rand.Rand) []*store.DLQEntry {
	switch sel.Strategy {
	case Newest:
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
				return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
			}
			return out[i].ID < out[j].ID
		})
	case Random:
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	default:
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
				return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
			}
			return out[i].ID < out[j].ID
		})
	}

	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out
}
