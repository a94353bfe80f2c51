package crm

import (
	"context"

	"github.com/rmax-ai/crmseed/pkg/store"
)

// Descriptor identifies the record an item should create.
type Descriptor struct {
	RunID           string
	OverrideVersion int
	Kind            string
	Sequence        int
}

// PayloadGenerator produces record content. Realistic content is supplied by
// callers; the scheduler only hands over the descriptor.
type PayloadGenerator interface {
	Generate(ctx context.Context, d Descriptor) (map[string]any, error)
}

// DescriptorGenerator emits only the descriptor fields.
type DescriptorGenerator struct{}

func (DescriptorGenerator) Generate(_ context.Context, d Descriptor) (map[string]any, error) {
	return map[string]any{
		"crmseed_run":      d.RunID,
		"crmseed_version":  d.OverrideVersion,
		"crmseed_sequence": d.Sequence,
		"kind":             d.Kind,
	}, nil
}

// GeneratorFunc adapts a function to PayloadGenerator.
type GeneratorFunc func(ctx context.Context, d Descriptor) (map[string]any, error)

func (f GeneratorFunc) Generate(ctx context.Context, d Descriptor) (map[string]any, error) {
	return f(ctx, d)
}

// KindFor picks the record kind for a sequence index. It depends only on
// (seed, seq, mix), so re-deriving a run yields the same kinds.
func KindFor(seed int64, seq int, mix store.RecordMix) string {
	c, co, d := max(mix.Contacts, 0), max(mix.Companies, 0), max(mix.Deals, 0)
	total := c + co + d
	if total == 0 {
		return KindContact
	}

	pick := int(mix64(uint64(seed)^mix64(uint64(seq))) % uint64(total))

	switch {
	case pick < c:
		return KindContact
	case pick < c+co:
		return KindCompany
	default:
		return KindDeal
	}
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
