// Package filtering implements the composable crop-acceptance predicates of
// the data pipeline. A crop survives only if every predicate in the chain
// passes; predicates are pure functions, so chain order affects only the
// short-circuit cost, never the outcome.
package filtering

import (
	"math"

	"segstream/pkg/imagery"
)

// Predicate decides whether a candidate crop is kept. Implementations must
// be pure: no side effects, no retained state.
type Predicate func(crop *imagery.Image) bool

// Chain is an ordered list of predicates combined with logical AND.
// An empty chain accepts every crop.
type Chain []Predicate

// Accept runs the chain, short-circuiting on the first rejection.
func (c Chain) Accept(crop *imagery.Image) bool {
	for _, pred := range c {
		if !pred(crop) {
			return false
		}
	}
	return true
}

// Prepend inserts a predicate at the front of the chain so it runs first.
func (c Chain) Prepend(pred Predicate) Chain {
	return append(Chain{pred}, c...)
}

// NoNaN rejects any crop containing a NaN value in any channel.
func NoNaN() Predicate {
	return func(crop *imagery.Image) bool {
		return !crop.HasNaN()
	}
}

// nan-safe histogram binning shared by the entropy filter.
func binIndex(v, minVal, maxVal float64, bins int) (int, bool) {
	if math.IsNaN(v) {
		return 0, false
	}
	idx := int((v - minVal) / (maxVal - minVal) * float64(bins))
	if idx < 0 {
		idx = 0
	} else if idx >= bins {
		idx = bins - 1
	}
	return idx, true
}
