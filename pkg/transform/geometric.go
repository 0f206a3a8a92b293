package transform

import (
	"segstream/pkg/imagery"
)

// Transform mutates an image under the crop's shared seed. Geometric
// transforms run on the whole composite so raw and reference pixels move
// identically; photometric transforms run on the raw slice only.
type Transform func(img *imagery.Image, seed Seed) *imagery.Image

// Per-operation fold tags. Distinct tags keep the random draws of different
// transforms independent under the shared per-crop seed.
const (
	tagFlipLeftRight uint64 = iota + 1
	tagFlipUpDown
	tagRot90
	tagBrightness
	tagSaturation
	tagContrast
)

// NaNToZero replaces every NaN pixel with zero. Deterministic; the seed is
// unused but kept for chain uniformity.
func NaNToZero() Transform {
	return func(img *imagery.Image, _ Seed) *imagery.Image {
		img.ReplaceNaN(0)
		return img
	}
}

// FlipLeftRight mirrors the image horizontally with probability 1/2.
func FlipLeftRight() Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		if seed.Fold(tagFlipLeftRight).Rand().Float64() >= 0.5 {
			return img
		}
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width/2; x++ {
				mx := img.Width - 1 - x
				for c := 0; c < img.Channels; c++ {
					a, b := img.At(y, x, c), img.At(y, mx, c)
					img.Set(y, x, c, b)
					img.Set(y, mx, c, a)
				}
			}
		}
		return img
	}
}

// FlipUpDown mirrors the image vertically with probability 1/2.
func FlipUpDown() Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		if seed.Fold(tagFlipUpDown).Rand().Float64() >= 0.5 {
			return img
		}
		for y := 0; y < img.Height/2; y++ {
			my := img.Height - 1 - y
			for x := 0; x < img.Width; x++ {
				for c := 0; c < img.Channels; c++ {
					a, b := img.At(y, x, c), img.At(my, x, c)
					img.Set(y, x, c, b)
					img.Set(my, x, c, a)
				}
			}
		}
		return img
	}
}

// Rot90 rotates the image by a random multiple of 90 degrees (0 to 3
// quarter turns).
func Rot90() Transform {
	return func(img *imagery.Image, seed Seed) *imagery.Image {
		k := seed.Fold(tagRot90).Rand().Intn(4)
		for i := 0; i < k; i++ {
			img = rotateQuarter(img)
		}
		return img
	}
}

// rotateQuarter rotates one quarter turn counter-clockwise: destination
// (y, x) takes source (x, W-1-y).
func rotateQuarter(img *imagery.Image) *imagery.Image {
	out := imagery.New(img.Width, img.Height, img.Channels)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			for c := 0; c < out.Channels; c++ {
				out.Set(y, x, c, img.At(x, img.Width-1-y, c))
			}
		}
	}
	return out
}
