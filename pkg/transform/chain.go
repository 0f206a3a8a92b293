package transform

import (
	"segstream/pkg/imagery"
)

// Options enumerates the augmentation toggles of a pipeline. Magnitudes at
// or below zero disable the corresponding transform, matching the
// construction parameters of the provider.
type Options struct {
	// RawDepth and ReferenceDepth describe the composite layout so the
	// photometric stage can isolate the raw channels.
	RawDepth       int
	ReferenceDepth int

	// Stage A: label-preserving geometric transforms on the composite.
	NaNToZero     bool
	FlipLeftRight bool
	FlipUpDown    bool
	Rot90         bool

	// Stage B: photometric transforms on the raw channels only.
	Whiten     bool
	Brightness float64
	Saturation float64
	Contrast   float64

	// PostProcess runs last on the re-concatenated crop; nil means identity.
	PostProcess Transform
}

// Chain is the immutable two-stage transform pipeline built once from
// configuration. Apply clones its input, so source crops are never mutated.
type Chain struct {
	geometric   []Transform
	photometric []Transform
	post        Transform
	rawDepth    int
	refDepth    int
}

// NewChain assembles the ordered transform lists from the options.
func NewChain(opts Options) *Chain {
	c := &Chain{rawDepth: opts.RawDepth, refDepth: opts.ReferenceDepth, post: opts.PostProcess}

	if opts.NaNToZero {
		c.geometric = append(c.geometric, NaNToZero())
	}
	if opts.FlipLeftRight {
		c.geometric = append(c.geometric, FlipLeftRight())
	}
	if opts.FlipUpDown {
		c.geometric = append(c.geometric, FlipUpDown())
	}
	if opts.Rot90 {
		c.geometric = append(c.geometric, Rot90())
	}

	if opts.Whiten {
		c.photometric = append(c.photometric, Standardize())
	}
	if opts.Brightness > 0 {
		c.photometric = append(c.photometric, Brightness(opts.Brightness))
	}
	if opts.Saturation > 0 {
		c.photometric = append(c.photometric, Saturation(opts.Saturation))
	}
	if opts.Contrast > 0 {
		c.photometric = append(c.photometric, Contrast(opts.Contrast))
	}
	return c
}

// Apply runs the full chain on one crop under its shared seed: geometric
// transforms on the composite, photometric transforms on the raw slice, the
// reference slice re-concatenated unchanged, then the post-process hook.
func (c *Chain) Apply(crop *imagery.Image, seed Seed) (*imagery.Image, error) {
	img := crop.Clone()
	for _, t := range c.geometric {
		img = t(img, seed)
	}

	if c.refDepth > 0 {
		raw := img.ChannelSlice(0, c.rawDepth)
		ref := img.ChannelSlice(c.rawDepth, c.refDepth)
		for _, t := range c.photometric {
			raw = t(raw, seed)
		}
		var err error
		img, err = imagery.Concat(raw, ref)
		if err != nil {
			return nil, err
		}
	} else {
		for _, t := range c.photometric {
			img = t(img, seed)
		}
	}

	if c.post != nil {
		img = c.post(img, seed)
	}
	return img, nil
}
