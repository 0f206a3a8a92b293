// Package sampling computes the crop bounding boxes extracted from each
// source image: uniformly random windows for training, a regular grid for
// reproducible evaluation, or a single full-frame box.
package sampling

import (
	"errors"
	"fmt"
	"math"

	"segstream/pkg/imagery"

	"golang.org/x/exp/rand"
)

// Sentinel errors for planner construction.
var (
	// ErrCoverageFactor indicates a non-positive area-coverage factor.
	ErrCoverageFactor = errors.New("sampling: coverage factor must be above 0")
	// ErrFieldOfView indicates an even, non-zero field of view.
	ErrFieldOfView = errors.New("sampling: field of view must be odd or 0")
	// ErrPatchTooLarge indicates a patch that does not fit the image.
	ErrPatchTooLarge = errors.New("sampling: patch size exceeds image dimensions")
)

// Mode selects the sampling geometry.
type Mode int

const (
	// ModeRandom draws a randomized number of uniformly placed boxes on
	// every visit (training).
	ModeRandom Mode = iota
	// ModeGrid tiles a regular grid, identical across epochs (evaluation).
	ModeGrid
	// ModeFullFrame emits a single box covering the whole image.
	ModeFullFrame
)

// Options configures a Planner.
type Options struct {
	// PatchSize is the square crop edge length in pixels. Ignored in
	// full-frame mode.
	PatchSize int
	// MaxPatches caps the number of random boxes per image visit.
	MaxPatches int
	// Coverage scales the number of random boxes so their total pixel count
	// approximates Coverage times the image area. Must be positive.
	Coverage float64
	// FieldOfView is the odd per-pixel neighborhood size used to overlap
	// adjacent grid crops; 0 disables the overlap.
	FieldOfView int
	// Mode selects random, grid or full-frame geometry.
	Mode Mode
}

// Planner produces crop bounding boxes for one loaded composite image.
// A Planner is immutable and safe for concurrent use; random mode draws all
// randomness from the rng passed to Plan.
type Planner struct {
	patch        int
	maxPatches   int
	coverage     float64
	radiusOfView int
	mode         Mode
}

// NewPlanner validates the options and builds a Planner.
func NewPlanner(opts Options) (*Planner, error) {
	if opts.Coverage <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrCoverageFactor, opts.Coverage)
	}
	if opts.FieldOfView != 0 && opts.FieldOfView%2 == 0 {
		return nil, fmt.Errorf("%w: got %d", ErrFieldOfView, opts.FieldOfView)
	}
	radius := 0
	if opts.FieldOfView > 0 {
		radius = (opts.FieldOfView - 1) / 2
	}
	if opts.Mode != ModeFullFrame {
		if opts.PatchSize <= 0 {
			return nil, fmt.Errorf("sampling: patch size must be positive, got %d", opts.PatchSize)
		}
		if opts.PatchSize-2*radius <= 0 {
			return nil, fmt.Errorf("%w: field of view %d leaves no grid stride for patch %d",
				ErrFieldOfView, opts.FieldOfView, opts.PatchSize)
		}
	}
	maxPatches := opts.MaxPatches
	if maxPatches < 1 {
		maxPatches = 1
	}
	return &Planner{
		patch:        opts.PatchSize,
		maxPatches:   maxPatches,
		coverage:     opts.Coverage,
		radiusOfView: radius,
		mode:         opts.Mode,
	}, nil
}

// PatchSize returns the configured crop edge length.
func (p *Planner) PatchSize() int { return p.patch }

// Mode returns the configured sampling mode.
func (p *Planner) Mode() Mode { return p.mode }

// Plan computes the boxes to crop from an image of the given dimensions.
// Every returned box satisfies 0 <= top <= h-patch and 0 <= left <= w-patch.
// rng is consulted only in random mode.
func (p *Planner) Plan(h, w int, rng *rand.Rand) ([]imagery.Box, error) {
	if p.mode == ModeFullFrame {
		return []imagery.Box{{Top: 0, Left: 0, Height: h, Width: w}}, nil
	}
	if p.patch > h || p.patch > w {
		return nil, fmt.Errorf("%w: patch %d in image %dx%d", ErrPatchTooLarge, p.patch, h, w)
	}
	if p.mode == ModeRandom {
		return p.planRandom(h, w, rng), nil
	}
	return p.planGrid(h, w), nil
}

// planRandom draws count = clamp(round(coverage*H*W/patch^2), 1, maxPatches)
// boxes with independent uniform origins.
func (p *Planner) planRandom(h, w int, rng *rand.Rand) []imagery.Box {
	area := float64(h * w)
	count := int(math.Round(p.coverage * area / float64(p.patch*p.patch)))
	if count < 1 {
		count = 1
	}
	if count > p.maxPatches {
		count = p.maxPatches
	}
	boxes := make([]imagery.Box, count)
	for i := range boxes {
		boxes[i] = imagery.Box{
			Top:    rng.Intn(h - p.patch + 1),
			Left:   rng.Intn(w - p.patch + 1),
			Height: p.patch,
			Width:  p.patch,
		}
	}
	return boxes
}

// planGrid tiles boxes with stride patch-2*radiusOfView. No padding is
// applied, so trailing border pixels past the last full stride are dropped.
// The box order iterates left coordinates in the outer loop and top
// coordinates in the inner loop, which keeps evaluation output reproducible.
func (p *Planner) planGrid(h, w int) []imagery.Box {
	stride := p.patch - 2*p.radiusOfView
	tops := gridCoords(h, p.patch, stride)
	lefts := gridCoords(w, p.patch, stride)

	boxes := make([]imagery.Box, 0, len(tops)*len(lefts))
	for _, left := range lefts {
		for _, top := range tops {
			boxes = append(boxes, imagery.Box{Top: top, Left: left, Height: p.patch, Width: p.patch})
		}
	}
	return boxes
}

// gridCoords enumerates origins in [0, dim-patch) with the given stride.
// When the patch spans the whole dimension the single origin 0 is used.
func gridCoords(dim, patch, stride int) []int {
	if dim == patch {
		return []int{0}
	}
	coords := make([]int, 0, (dim-patch)/stride+1)
	for c := 0; c < dim-patch; c += stride {
		coords = append(coords, c)
	}
	return coords
}
