package pipeline

import (
	"fmt"
	"strings"

	"segstream/pkg/filtering"
	"segstream/pkg/imageio"
	"segstream/pkg/imagery"
	"segstream/pkg/sampling"
	"segstream/pkg/transform"

	"gopkg.in/yaml.v3"
)

// Provider is the constructed pipeline: configuration plus the geometry
// derived once from a synchronous probe of the first sample. The crop,
// filter and transform machinery is built here and reused for every epoch;
// only the per-epoch shuffle order and seeds change between passes.
type Provider struct {
	params Params

	rawReader imageio.Reader
	refReader imageio.Reader

	planner *sampling.Planner
	filters filtering.Chain
	chain   *transform.Chain

	rawDepth  int
	refDepth  int
	patchSize int
	fullFrame bool
	probeH    int
	probeW    int
}

// NewProvider validates the configuration, probes the first sample to
// derive channel depths and patch geometry, and builds the immutable filter
// and transform chains. All configuration errors surface here, before any
// streaming begins.
func NewProvider(params Params) (*Provider, error) {
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}

	p := &Provider{params: params}
	if err := p.buildReaders(); err != nil {
		return nil, err
	}
	if err := p.probe(); err != nil {
		return nil, err
	}
	if err := p.buildPlanner(); err != nil {
		return nil, err
	}
	p.buildFilters()
	p.buildChain()
	return p, nil
}

func (p *Provider) buildReaders() error {
	var err error
	p.rawReader, err = imageio.New(p.params.Reader.Backend, imageio.Options{
		OpenCVFlags: p.params.Reader.OpenCVFlags,
	})
	if err != nil {
		return err
	}
	if p.params.ReferenceMode == ReferencePaired {
		p.refReader, err = imageio.New(p.params.Reader.Backend, imageio.Options{
			Grayscale:   p.params.Reader.GrayscaleReference,
			OpenCVFlags: p.params.Reader.OpenCVFlags,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// probe reads the first sample synchronously to fix depths, patch size and
// the full-frame flag for the pipeline's lifetime.
func (p *Provider) probe() error {
	raw, err := p.rawReader.Read(p.params.RawFiles[0])
	if err != nil {
		return fmt.Errorf("pipeline: probing first raw image: %w", err)
	}
	p.probeH, p.probeW = raw.Height, raw.Width

	switch p.params.ReferenceMode {
	case ReferencePaired:
		ref, err := p.refReader.Read(p.params.ReferenceFiles[0])
		if err != nil {
			return fmt.Errorf("pipeline: probing first reference image: %w", err)
		}
		if ref.Height != raw.Height || ref.Width != raw.Width {
			return fmt.Errorf("pipeline: first raw and reference images differ in size: %dx%d vs %dx%d",
				raw.Height, raw.Width, ref.Height, ref.Width)
		}
		p.rawDepth = raw.Channels
		p.refDepth = ref.Channels
	case ReferenceEmbedded:
		if raw.Channels < 2 {
			return fmt.Errorf("pipeline: embedded reference needs at least 2 channels, image has %d", raw.Channels)
		}
		p.rawDepth = raw.Channels - 1
		p.refDepth = 1
	case ReferenceNone:
		p.rawDepth = raw.Channels
		p.refDepth = 0
	default:
		return fmt.Errorf("pipeline: unknown reference mode %v", p.params.ReferenceMode)
	}

	ratio := p.params.PatchRatio
	switch {
	case ratio == 1 || ratio < 0:
		p.fullFrame = true
		p.params.MaxPatchesPerImage = 1
		p.patchSize = 0
	case ratio > 1:
		p.patchSize = int(ratio)
	default:
		p.patchSize = int(float64(raw.Height) * ratio)
	}
	if !p.fullFrame && (p.patchSize <= 0 || p.patchSize > raw.Height || p.patchSize > raw.Width) {
		return fmt.Errorf("pipeline: patch size %d does not fit probe image %dx%d",
			p.patchSize, raw.Height, raw.Width)
	}
	return nil
}

func (p *Provider) buildPlanner() error {
	mode := sampling.ModeGrid
	if p.fullFrame {
		mode = sampling.ModeFullFrame
	} else if p.params.Shuffle {
		mode = sampling.ModeRandom
	}
	planner, err := sampling.NewPlanner(sampling.Options{
		PatchSize:   p.patchSize,
		MaxPatches:  p.params.MaxPatchesPerImage,
		Coverage:    p.params.CoverageFactor,
		FieldOfView: p.params.FieldOfView,
		Mode:        mode,
	})
	if err != nil {
		return err
	}
	p.planner = planner
	return nil
}

// buildFilters assembles the predicate chain: user predicates first as
// given, then the built-ins prepended so they run earliest. The entropy
// filter only exists when reference channels exist, class balancing is
// requested and crops are actually sampled (never in full-frame mode).
func (p *Provider) buildFilters() {
	chain := filtering.Chain(p.params.ExtraFilters)
	if p.params.ClassBalance.Enabled && p.refDepth > 0 && !p.fullFrame {
		chain = chain.Prepend(filtering.MinEntropy(
			p.rawDepth, p.refDepth,
			p.params.ClassBalance.EntropyThreshold,
			p.params.ClassBalance.Histogram,
		))
	}
	if p.params.NaNMode == NaNReject {
		chain = chain.Prepend(filtering.NoNaN())
	}
	p.filters = chain
}

func (p *Provider) buildChain() {
	p.chain = transform.NewChain(transform.Options{
		RawDepth:       p.rawDepth,
		ReferenceDepth: p.refDepth,
		NaNToZero:      p.params.NaNMode == NaNZeroFill,
		FlipLeftRight:  p.params.Augment.FlipLeftRight,
		FlipUpDown:     p.params.Augment.FlipUpDown,
		Rot90:          p.params.Augment.Rot90,
		Whiten:         p.params.Whiten,
		Brightness:     p.params.Augment.Brightness,
		Saturation:     p.params.Augment.Saturation,
		Contrast:       p.params.Augment.Contrast,
		PostProcess:    p.params.PostProcess,
	})
}

// descriptors builds the per-sample descriptor list once. Paired samples
// are joined with the reserved separator; embedded/none modes use the raw
// path alone.
func (p *Provider) descriptors() []string {
	if p.params.ReferenceMode != ReferencePaired {
		return append([]string(nil), p.params.RawFiles...)
	}
	out := make([]string, len(p.params.RawFiles))
	for i, raw := range p.params.RawFiles {
		out[i] = raw + FilenameSeparator + p.params.ReferenceFiles[i]
	}
	return out
}

// loadComposite resolves one descriptor into a composite image: raw
// channels first, reference channels last.
func (p *Provider) loadComposite(desc string) (*imagery.Image, error) {
	if p.params.ReferenceMode != ReferencePaired {
		return p.rawReader.Read(desc)
	}
	rawPath, refPath, ok := strings.Cut(desc, FilenameSeparator)
	if !ok {
		return nil, fmt.Errorf("pipeline: descriptor %q lacks the %q separator", desc, FilenameSeparator)
	}
	raw, err := p.rawReader.Read(rawPath)
	if err != nil {
		return nil, err
	}
	ref, err := p.refReader.Read(refPath)
	if err != nil {
		return nil, err
	}
	composite, err := imagery.Concat(raw, ref)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sample %q: %w", desc, err)
	}
	return composite, nil
}

// RawDepth returns the number of raw channels derived from the probe.
func (p *Provider) RawDepth() int { return p.rawDepth }

// ReferenceDepth returns the number of reference channels derived from the
// probe; 0 in unsupervised mode.
func (p *Provider) ReferenceDepth() int { return p.refDepth }

// PatchSize returns the derived crop edge length; 0 in full-frame mode.
func (p *Provider) PatchSize() int { return p.patchSize }

// FullFrame reports whether cropping is disabled.
func (p *Provider) FullFrame() bool { return p.fullFrame }

// Summary is the opaque configuration report for logging/reproducibility.
type Summary struct {
	Files          int    `yaml:"files"`
	ReferenceMode  string `yaml:"referenceMode"`
	Epochs         int    `yaml:"epochs"`
	Shuffle        bool   `yaml:"shuffle"`
	PatchSize      int    `yaml:"patchSize"`
	FullFrame      bool   `yaml:"fullFrame"`
	RawDepth       int    `yaml:"rawDepth"`
	ReferenceDepth int    `yaml:"referenceDepth"`
	BatchSize      int    `yaml:"batchSize"`
	Readers        int    `yaml:"readers"`
	Backend        string `yaml:"backend"`
	BalanceClasses bool   `yaml:"balanceClasses"`
	NaNMode        string `yaml:"nanMode"`
	Whiten         bool   `yaml:"whiten"`
	Precision      string `yaml:"precision"`
	Seed           uint64 `yaml:"seed"`
}

// Config returns the configuration summary.
func (p *Provider) Config() Summary {
	return Summary{
		Files:          len(p.params.RawFiles),
		ReferenceMode:  p.params.ReferenceMode.String(),
		Epochs:         p.params.Epochs,
		Shuffle:        p.params.Shuffle,
		PatchSize:      p.patchSize,
		FullFrame:      p.fullFrame,
		RawDepth:       p.rawDepth,
		ReferenceDepth: p.refDepth,
		BatchSize:      p.params.BatchSize,
		Readers:        p.params.Readers,
		Backend:        p.params.Reader.Backend.String(),
		BalanceClasses: p.params.ClassBalance.Enabled,
		NaNMode:        p.params.NaNMode.String(),
		Whiten:         p.params.Whiten,
		Precision:      p.params.Precision.String(),
		Seed:           p.params.Seed,
	}
}

// YAML renders the summary for logs.
func (s Summary) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
