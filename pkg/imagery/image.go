// Package imagery provides the composite image representation shared by the
// data pipeline: a raw image optionally concatenated with its reference
// (label) channels along the channel axis, plus the crop geometry primitives
// operating on it.
package imagery

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for imagery operations.
var (
	// ErrOutOfBounds indicates a crop box that does not fit inside the image.
	ErrOutOfBounds = errors.New("imagery: crop box out of image bounds")
	// ErrShapeMismatch indicates two images whose spatial dimensions differ.
	ErrShapeMismatch = errors.New("imagery: image dimensions do not match")
)

// Image is a dense 3-D numeric array of shape (Height, Width, Channels)
// stored row-major with interleaved channels. Pixel values are float64,
// matching the rest of the processing pipeline.
//
// For a composite image, raw channels occupy [0, rawDepth) and reference
// channels occupy [rawDepth, rawDepth+refDepth).
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []float64
}

// New allocates a zero-filled image of the given shape.
func New(height, width, channels int) *Image {
	return &Image{
		Height:   height,
		Width:    width,
		Channels: channels,
		Pix:      make([]float64, height*width*channels),
	}
}

// At returns the value at (y, x, c). No bounds checking beyond the slice's.
func (im *Image) At(y, x, c int) float64 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set stores v at (y, x, c).
func (im *Image) Set(y, x, c int, v float64) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := &Image{Height: im.Height, Width: im.Width, Channels: im.Channels}
	out.Pix = make([]float64, len(im.Pix))
	copy(out.Pix, im.Pix)
	return out
}

// ChannelSlice copies channels [from, from+depth) into a new image of the
// same spatial dimensions.
func (im *Image) ChannelSlice(from, depth int) *Image {
	out := New(im.Height, im.Width, depth)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			for c := 0; c < depth; c++ {
				out.Set(y, x, c, im.At(y, x, from+c))
			}
		}
	}
	return out
}

// Concat concatenates b's channels after a's. The spatial dimensions of the
// two images must match.
func Concat(a, b *Image) (*Image, error) {
	if a.Height != b.Height || a.Width != b.Width {
		return nil, fmt.Errorf("%w: (%d,%d) vs (%d,%d)",
			ErrShapeMismatch, a.Height, a.Width, b.Height, b.Width)
	}
	out := New(a.Height, a.Width, a.Channels+b.Channels)
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			for c := 0; c < a.Channels; c++ {
				out.Set(y, x, c, a.At(y, x, c))
			}
			for c := 0; c < b.Channels; c++ {
				out.Set(y, x, a.Channels+c, b.At(y, x, c))
			}
		}
	}
	return out, nil
}

// HasNaN reports whether any pixel value is NaN.
func (im *Image) HasNaN() bool {
	for _, v := range im.Pix {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// ReplaceNaN overwrites every NaN pixel value with v.
func (im *Image) ReplaceNaN(v float64) {
	for i, p := range im.Pix {
		if math.IsNaN(p) {
			im.Pix[i] = v
		}
	}
}

// Box is a crop bounding box. Top/Left are the origin of the crop inside the
// source image; Height/Width its extent. Patch crops are square
// (Height == Width == patch size); full-frame mode uses the whole image.
type Box struct {
	Top    int
	Left   int
	Height int
	Width  int
}

// Crop extracts the sub-image covered by the box as a copy. A box that lies
// outside the image bounds is an internal consistency violation (the
// geometry planner guarantees validity) and yields ErrOutOfBounds.
func (im *Image) Crop(b Box) (*Image, error) {
	if b.Top < 0 || b.Left < 0 || b.Height <= 0 || b.Width <= 0 ||
		b.Top+b.Height > im.Height || b.Left+b.Width > im.Width {
		return nil, fmt.Errorf("%w: box (top=%d,left=%d,%dx%d) in image %dx%d",
			ErrOutOfBounds, b.Top, b.Left, b.Height, b.Width, im.Height, im.Width)
	}
	out := New(b.Height, b.Width, im.Channels)
	for y := 0; y < b.Height; y++ {
		srcRow := ((b.Top+y)*im.Width + b.Left) * im.Channels
		dstRow := y * b.Width * im.Channels
		copy(out.Pix[dstRow:dstRow+b.Width*im.Channels], im.Pix[srcRow:srcRow+b.Width*im.Channels])
	}
	return out, nil
}

// ScaleToBytes rescales the image values into [0, 255], mapping the minimum
// to 0 and the maximum to 255. NaN values are zeroed before scaling so they
// do not poison the result. Useful for previews and debug dumps.
func ScaleToBytes(im *Image) *Image {
	const epsilon = 1e-4
	out := im.Clone()
	out.ReplaceNaN(0)
	minVal, maxVal := math.Inf(1), math.Inf(-1)
	for _, v := range out.Pix {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	for i, v := range out.Pix {
		out.Pix[i] = (v - minVal) * 255.0 / (maxVal - minVal + epsilon)
	}
	return out
}
