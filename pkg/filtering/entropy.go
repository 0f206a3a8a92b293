package filtering

import (
	"math"

	"segstream/pkg/imagery"
)

// entropyEpsilon absorbs zero-probability bins in the normalized entropy
// computation.
const entropyEpsilon = 1e-3

// HistogramOptions bounds the value histogram used by the entropy filter.
// The assumed label range is configuration, not a hidden constant: datasets
// whose class identifiers exceed the default 8-bit range must widen it.
type HistogramOptions struct {
	Min  float64
	Max  float64
	Bins int
}

// DefaultHistogramOptions covers 8-bit class identifiers.
func DefaultHistogramOptions() HistogramOptions {
	return HistogramOptions{Min: 0, Max: 255, Bins: 256}
}

// MinEntropy builds the class-balancing predicate: it histograms the
// reference channels of a crop and accepts it only when the normalized
// Shannon entropy of the class distribution exceeds threshold. Crops
// dominated by a single class have entropy 0 and are rejected for any
// positive threshold.
//
// rawDepth and refDepth locate the reference slice inside the composite
// crop; threshold lies in [0, 1].
func MinEntropy(rawDepth, refDepth int, threshold float64, opts HistogramOptions) Predicate {
	if opts.Bins <= 0 {
		opts = DefaultHistogramOptions()
	}
	return func(crop *imagery.Image) bool {
		counts := make([]int, opts.Bins)
		for y := 0; y < crop.Height; y++ {
			for x := 0; x < crop.Width; x++ {
				for c := 0; c < refDepth; c++ {
					if idx, ok := binIndex(crop.At(y, x, rawDepth+c), opts.Min, opts.Max, opts.Bins); ok {
						counts[idx]++
					}
				}
			}
		}
		return NormalizedEntropy(counts) > threshold
	}
}

// NormalizedEntropy computes -sum(p*log(p+eps)) over the bin probabilities,
// normalized by log(eps + number of nonzero bins). A histogram with at most
// one occupied bin carries no class diversity and yields 0.
func NormalizedEntropy(counts []int) float64 {
	total := 0
	nonzero := 0
	for _, c := range counts {
		total += c
		if c > 0 {
			nonzero++
		}
	}
	if total == 0 || nonzero <= 1 {
		return 0
	}

	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log(p+entropyEpsilon)
	}
	return entropy / math.Log(entropyEpsilon+float64(nonzero))
}
