// Package pipeline assembles the streaming data provider: file discovery,
// per-file crop generation interleaved across a bounded pool of readers,
// filtering, seeded augmentation, batching and bounded prefetch.
package pipeline

import (
	"errors"
	"fmt"

	"segstream/pkg/filtering"
	"segstream/pkg/imageio"
	"segstream/pkg/transform"
)

// FilenameSeparator joins a raw path and its reference path into one
// descriptor string. Multi-character on purpose, so it is unlikely to occur
// inside real paths.
const FilenameSeparator = "###"

// Sentinel errors of the pipeline package.
var (
	// ErrExhausted signals the clean end of a finite stream.
	ErrExhausted = errors.New("pipeline: stream exhausted")
	// ErrStopped signals a stream abandoned via Stop.
	ErrStopped = errors.New("pipeline: stream stopped")
)

// ReferenceMode describes where reference (label) data comes from.
type ReferenceMode int

const (
	// ReferencePaired reads reference images from a parallel file list.
	ReferencePaired ReferenceMode = iota
	// ReferenceEmbedded takes the last channel of each raw file as reference.
	ReferenceEmbedded
	// ReferenceNone samples raw data only (unsupervised use).
	ReferenceNone
)

func (m ReferenceMode) String() string {
	switch m {
	case ReferencePaired:
		return "paired"
	case ReferenceEmbedded:
		return "embedded"
	case ReferenceNone:
		return "none"
	default:
		return fmt.Sprintf("referencemode(%d)", int(m))
	}
}

// Precision selects the numeric type of emitted batches.
type Precision int

const (
	Float64 Precision = iota
	Float32
)

func (p Precision) String() string {
	if p == Float32 {
		return "float32"
	}
	return "float64"
}

// NaNMode selects how crops containing NaN values are handled.
type NaNMode int

const (
	// NaNNone leaves NaN values untouched.
	NaNNone NaNMode = iota
	// NaNZeroFill replaces NaN values with zeros before augmentation.
	NaNZeroFill
	// NaNReject filters out any crop containing a NaN value.
	NaNReject
)

func (m NaNMode) String() string {
	switch m {
	case NaNZeroFill:
		return "zero-fill"
	case NaNReject:
		return "reject"
	default:
		return "none"
	}
}

// ReaderParams selects and tunes the image decoding backend.
type ReaderParams struct {
	Backend imageio.Backend
	// GrayscaleReference forces single-channel reads of paired reference
	// files.
	GrayscaleReference bool
	// OpenCVFlags is forwarded to the OpenCV backend's imread call.
	OpenCVFlags int
}

// AugmentParams collects the augmentation toggles. Magnitudes at or below
// zero disable the corresponding photometric transform.
type AugmentParams struct {
	FlipLeftRight bool
	FlipUpDown    bool
	Rot90         bool
	Brightness    float64
	Saturation    float64
	Contrast      float64
}

// ClassBalanceParams configures the entropy crop filter.
type ClassBalanceParams struct {
	Enabled bool
	// EntropyThreshold in [0, 1]; crops whose normalized reference entropy
	// does not exceed it are rejected.
	EntropyThreshold float64
	// Histogram bounds the assumed reference value range; zero-valued
	// fields fall back to [0, 255] with 256 bins.
	Histogram filtering.HistogramOptions
}

// Params is the immutable pipeline configuration, captured at construction.
type Params struct {
	// RawFiles lists the raw image paths. Required.
	RawFiles []string
	// ReferenceFiles lists the reference image paths when ReferenceMode is
	// ReferencePaired; it must then parallel RawFiles in order and length.
	ReferenceFiles []string
	ReferenceMode  ReferenceMode

	// Epochs repeats the file list; negative means repeat forever.
	Epochs int
	// Shuffle permutes descriptor order per epoch and switches crop
	// sampling from the regular evaluation grid to random windows.
	Shuffle bool

	// PatchRatio sizes crops relative to the probe image height. A value
	// of exactly 1 or below 0 forces full-frame mode; above 1 it is taken
	// as an absolute pixel size.
	PatchRatio float64
	// MaxPatchesPerImage caps the number of random crops per image visit.
	MaxPatchesPerImage int
	// CoverageFactor scales the random crop count toward covering the
	// image area. Must be positive.
	CoverageFactor float64
	// FieldOfView overlaps adjacent grid crops; must be 0 or odd.
	FieldOfView int

	// Readers bounds the number of files loaded concurrently.
	Readers int
	// BatchSize is the number of crops per emitted batch.
	BatchSize int
	// PrefetchDepth bounds the number of ready batches staged ahead of the
	// consumer.
	PrefetchDepth int

	Augment AugmentParams
	// Whiten standardizes the raw channels of every crop.
	Whiten bool

	Reader       ReaderParams
	ClassBalance ClassBalanceParams
	NaNMode      NaNMode

	// ExtraFilters are user predicates prepended to the filter chain.
	ExtraFilters []filtering.Predicate
	// PostProcess runs on every transformed crop; nil means identity.
	PostProcess transform.Transform

	Precision Precision
	// Seed is the master seed of the pipeline-owned generator.
	Seed uint64
}

// withDefaults fills the optional knobs a zero value leaves open.
func (p Params) withDefaults() Params {
	if p.MaxPatchesPerImage < 1 {
		p.MaxPatchesPerImage = 1
	}
	if p.Readers < 1 {
		p.Readers = 1
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.PrefetchDepth < 1 {
		p.PrefetchDepth = 2
	}
	if p.Epochs == 0 {
		p.Epochs = 1
	}
	return p
}

// validate fails fast on configuration errors, before any streaming starts.
func (p Params) validate() error {
	if len(p.RawFiles) == 0 {
		return errors.New("pipeline: no raw files given")
	}
	if p.ReferenceMode == ReferencePaired && len(p.ReferenceFiles) != len(p.RawFiles) {
		return fmt.Errorf("pipeline: %d reference files for %d raw files",
			len(p.ReferenceFiles), len(p.RawFiles))
	}
	if p.CoverageFactor <= 0 {
		return fmt.Errorf("pipeline: coverage factor must be above 0, got %v", p.CoverageFactor)
	}
	if p.FieldOfView != 0 && p.FieldOfView%2 == 0 {
		return fmt.Errorf("pipeline: field of view must be odd or 0, got %d", p.FieldOfView)
	}
	if p.ClassBalance.Enabled {
		if t := p.ClassBalance.EntropyThreshold; t < 0 || t > 1 {
			return fmt.Errorf("pipeline: entropy threshold must lie in [0,1], got %v", t)
		}
	}
	return nil
}
