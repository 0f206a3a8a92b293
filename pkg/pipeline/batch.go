package pipeline

import (
	"segstream/pkg/imagery"
)

// Batch is one fixed-size group of transformed crops, laid out as a dense
// (Samples, Height, Width, Channels) tensor in the configured precision.
// Exactly one of F32/F64 is populated.
type Batch struct {
	Samples   int
	Height    int
	Width     int
	Channels  int
	Precision Precision
	F32       []float32
	F64       []float64
}

// newBatch packs the crops into one tensor. All crops share a shape; the
// stream guarantees that.
func newBatch(crops []*imagery.Image, prec Precision) *Batch {
	first := crops[0]
	b := &Batch{
		Samples:   len(crops),
		Height:    first.Height,
		Width:     first.Width,
		Channels:  first.Channels,
		Precision: prec,
	}
	stride := first.Height * first.Width * first.Channels
	switch prec {
	case Float32:
		b.F32 = make([]float32, len(crops)*stride)
		for i, crop := range crops {
			for j, v := range crop.Pix {
				b.F32[i*stride+j] = float32(v)
			}
		}
	default:
		b.F64 = make([]float64, len(crops)*stride)
		for i, crop := range crops {
			copy(b.F64[i*stride:(i+1)*stride], crop.Pix)
		}
	}
	return b
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return b.Samples }

// Sample copies sample i back out as an image, converting to float64 if the
// batch is stored in float32.
func (b *Batch) Sample(i int) *imagery.Image {
	out := imagery.New(b.Height, b.Width, b.Channels)
	stride := b.Height * b.Width * b.Channels
	if b.Precision == Float32 {
		for j := 0; j < stride; j++ {
			out.Pix[j] = float64(b.F32[i*stride+j])
		}
		return out
	}
	copy(out.Pix, b.F64[i*stride:(i+1)*stride])
	return out
}
