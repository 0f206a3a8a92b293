package transform

import (
	"math"

	"segstream/pkg/imagery"

	"gonum.org/v1/gonum/stat"
)

// Standardize rescales the image to zero mean and unit variance over the
// whole crop. The divisor is floored at 1/sqrt(N) so constant crops map to
// zero instead of exploding. Deterministic; the seed is unused.
func Standardize() Transform {
	return func(img *imagery.Image, _ Seed) *imagery.Image {
		n := len(img.Pix)
		if n == 0 {
			return img
		}
		mean := stat.Mean(img.Pix, nil)
		std := stat.PopStdDev(img.Pix, nil)
		if floor := 1.0 / math.Sqrt(float64(n)); std < floor {
			std = floor
		}
		for i, v := range img.Pix {
			img.Pix[i] = (v - mean) / std
		}
		return img
	}
}

// Brightness shifts every value by a delta drawn uniformly from
// [-maxDelta, maxDelta].
func Brightness(maxDelta float64) Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		delta := (seed.Fold(tagBrightness).Rand().Float64()*2 - 1) * maxDelta
		for i := range img.Pix {
			img.Pix[i] += delta
		}
		return img
	}
}

// Saturation blends each pixel with its BT.601 luma by a factor drawn
// uniformly from [1-magnitude, 1+magnitude]. Saturation is only defined for
// 3-channel data; other channel counts pass through unchanged.
func Saturation(magnitude float64) Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		if img.Channels != 3 {
			return img
		}
		factor := 1 - magnitude + seed.Fold(tagSaturation).Rand().Float64()*2*magnitude
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				r := img.At(y, x, 0)
				g := img.At(y, x, 1)
				b := img.At(y, x, 2)
				gray := 0.299*r + 0.587*g + 0.114*b
				img.Set(y, x, 0, gray+factor*(r-gray))
				img.Set(y, x, 1, gray+factor*(g-gray))
				img.Set(y, x, 2, gray+factor*(b-gray))
			}
		}
		return img
	}
}

// Contrast scales each channel's deviation from its own mean by a factor
// drawn uniformly from [1-magnitude, 1+magnitude].
func Contrast(magnitude float64) Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		factor := 1 - magnitude + seed.Fold(tagContrast).Rand().Float64()*2*magnitude
		means := channelMeans(img)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				for c := 0; c < img.Channels; c++ {
					m := means[c]
					img.Set(y, x, c, m+factor*(img.At(y, x, c)-m))
				}
			}
		}
		return img
	}
}

func channelMeans(img *imagery.Image) []float64 {
	means := make([]float64, img.Channels)
	count := float64(img.Height * img.Width)
	if count == 0 {
		return means
	}
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			for c := 0; c < img.Channels; c++ {
				means[c] += img.At(y, x, c)
			}
		}
	}
	for c := range means {
		means[c] /= count
	}
	return means
}
