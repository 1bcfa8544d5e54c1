// Package sample picks the subset of claimable items a run will enrich.
package sample

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/TobiSchelling/graded/internal/database"
)

// Mode selects how items are sampled.
type Mode string

const (
	// ModeHash keeps an item when hash(seed, id) falls in the 1-in-rate
	// bucket. The choice for an item never depends on the other candidates.
	ModeHash Mode = "hash"
	// ModeRandom draws from a generator seeded by the seed string, in
	// candidate order.
	ModeRandom Mode = "random"
)

// Sampler selects roughly 1 in rate candidates. The same seed and
// candidates always yield the same selection.
type Sampler struct {
	Mode Mode
	Seed string
}

// New returns a sampler for mode and seed.
func New(mode, seed string) (*Sampler, error) {
	switch Mode(mode) {
	case ModeHash, ModeRandom:
		return &Sampler{Mode: Mode(mode), Seed: seed}, nil
	default:
		return nil, fmt.Errorf("unknown sampling mode %q", mode)
	}
}

// Select returns the sampled subset of candidates, preserving their order.
// A rate <= 1 keeps every eligible candidate. Items that are processed or
// permanently failed are never selected.
func (s *Sampler) Select(candidates []database.Item, rate int) []database.Item {
	var eligible []database.Item
	for _, it := range candidates {
		if it.State == database.StateProcessed || it.State == database.StateFailedPermanent {
			continue
		}
		eligible = append(eligible, it)
	}
	if rate <= 1 {
		return eligible
	}

	var out []database.Item
	switch s.Mode {
	case ModeRandom:
		rng := rand.New(rand.NewPCG(xxhash.Sum64String(s.Seed), uint64(rate)))
		for _, it := range eligible {
			if rng.IntN(rate) == 0 {
				out = append(out, it)
			}
		}
	default:
		for _, it := range eligible {
			if s.bucket(it.ID)%uint64(rate) == 0 {
				out = append(out, it)
			}
		}
	}
	return out
}

func (s *Sampler) bucket(id int64) uint64 {
	d := xxhash.New()
	d.WriteString(s.Seed)
	d.WriteString(":")
	d.WriteString(strconv.FormatInt(id, 10))
	return d.Sum64()
}
