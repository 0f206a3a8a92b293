// Package transform implements the seeded augmentation chain of the data
// pipeline: label-preserving geometric transforms applied to the whole
// raw+reference composite, followed by photometric transforms applied to the
// raw channels only. All transforms invoked for one crop share a single
// per-crop seed, so randomness is per crop, not per transform call.
package transform

import (
	"golang.org/x/exp/rand"
)

// Seed is the per-crop seed pair shared by every transform applied to that
// crop. Two crops with the same Seed and the same input produce identical
// output.
type Seed struct {
	Lo uint64
	Hi uint64
}

// mix64 is the SplitMix64 finalizer, used to decorrelate folded seeds.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Fold derives a sub-seed keyed by a per-operation tag. Each transform folds
// its own tag so that, for example, the left-right and up-down flip
// decisions stay independent while both remain pure functions of the crop's
// shared seed.
func (s Seed) Fold(tag uint64) Seed {
	return Seed{
		Lo: mix64(s.Lo ^ tag*0x9e3779b97f4a7c15),
		Hi: mix64(s.Hi + tag),
	}
}

// Rand builds a deterministic generator from the seed.
func (s Seed) Rand() *rand.Rand {
	return rand.New(rand.NewSource(s.Lo ^ mix64(s.Hi)))
}

// Generator is the pipeline-owned seed source. One instance exists per
// pipeline; the stream advances it in a single, well-defined order (one draw
// per file dispatch, one draw per interleaved crop), which keeps results
// reproducible for a fixed master seed. It is not safe for concurrent use;
// the stream only touches it from its driver goroutine.
type Generator struct {
	src *rand.Rand
}

// NewGenerator seeds a generator from the pipeline master seed.
func NewGenerator(master uint64) *Generator {
	return &Generator{src: rand.New(rand.NewSource(master))}
}

// Next draws the next seed pair.
func (g *Generator) Next() Seed {
	return Seed{Lo: g.src.Uint64(), Hi: g.src.Uint64()}
}

// Perm draws a pseudo-random permutation of [0, n), used for the per-epoch
// descriptor shuffle.
func (g *Generator) Perm(n int) []int {
	return g.src.Perm(n)
}
