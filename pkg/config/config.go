// Package config provides configuration loading and management for segstream.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"segstream/pkg/filtering"
	"segstream/pkg/imageio"
	"segstream/pkg/pipeline"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data parameters
	Data struct {
		// RawDir is the directory tree holding the raw images
		RawDir string `yaml:"rawDir"`

		// ReferenceDir is the directory tree holding the reference images;
		// empty switches off paired references
		ReferenceDir string `yaml:"referenceDir"`

		// Pattern matches file base names, e.g. "*.png"
		Pattern string `yaml:"pattern"`

		// ReferenceMode is one of "paired", "embedded" or "none"
		ReferenceMode string `yaml:"referenceMode"`
	} `yaml:"data"`

	// Sampling parameters
	Sampling struct {
		// PatchRatio sizes crops relative to image height; 1 or below 0
		// means full frames, above 1 an absolute pixel size
		PatchRatio float64 `yaml:"patchRatio"`

		// MaxPatchesPerImage caps random crops per image visit
		MaxPatchesPerImage int `yaml:"maxPatchesPerImage"`

		// CoverageFactor scales the random crop count toward covering the
		// image area
		CoverageFactor float64 `yaml:"coverageFactor"`

		// FieldOfView overlaps adjacent grid crops; must be 0 or odd
		FieldOfView int `yaml:"fieldOfView"`
	} `yaml:"sampling"`

	// Augmentation parameters
	Augment struct {
		FlipLeftRight bool    `yaml:"flipLeftRight"`
		FlipUpDown    bool    `yaml:"flipUpDown"`
		Rot90         bool    `yaml:"rot90"`
		Brightness    float64 `yaml:"brightness"`
		Saturation    float64 `yaml:"saturation"`
		Contrast      float64 `yaml:"contrast"`

		// Whiten standardizes the raw channels of every crop
		Whiten bool `yaml:"whiten"`
	} `yaml:"augment"`

	// Pipeline parameters
	Pipeline struct {
		// Epochs repeats the file list; negative means forever
		Epochs int `yaml:"epochs"`

		// Shuffle permutes file order and switches to random cropping
		Shuffle bool `yaml:"shuffle"`

		// Readers bounds the number of files loaded concurrently
		Readers int `yaml:"readers"`

		BatchSize     int `yaml:"batchSize"`
		PrefetchDepth int `yaml:"prefetchDepth"`

		// Precision is "float64" or "float32"
		Precision string `yaml:"precision"`

		// Seed is the master seed of the pipeline-owned generator
		Seed uint64 `yaml:"seed"`
	} `yaml:"pipeline"`

	// Reader parameters
	Reader struct {
		// Backend is one of "native", "raster" or "opencv"
		Backend string `yaml:"backend"`

		// GrayscaleReference forces single-channel reference reads
		GrayscaleReference bool `yaml:"grayscaleReference"`

		// OpenCVFlags is forwarded to the OpenCV backend's imread call
		OpenCVFlags int `yaml:"opencvFlags"`
	} `yaml:"reader"`

	// Filter parameters
	Filters struct {
		// BalanceClasses enables the entropy crop filter
		BalanceClasses bool `yaml:"balanceClasses"`

		// EntropyThreshold in [0, 1]
		EntropyThreshold float64 `yaml:"entropyThreshold"`

		// HistogramMin, HistogramMax and HistogramBins bound the reference
		// value range assumed by the entropy filter
		HistogramMin  float64 `yaml:"histogramMin"`
		HistogramMax  float64 `yaml:"histogramMax"`
		HistogramBins int     `yaml:"histogramBins"`

		// NaNMode is one of "none", "zero-fill" or "reject"
		NaNMode string `yaml:"nanMode"`
	} `yaml:"filters"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Pattern = "*.png"
	cfg.Data.ReferenceMode = "paired"

	cfg.Sampling.PatchRatio = 0.5
	cfg.Sampling.MaxPatchesPerImage = 4
	cfg.Sampling.CoverageFactor = 1.0
	cfg.Sampling.FieldOfView = 0

	cfg.Augment.FlipLeftRight = true
	cfg.Augment.FlipUpDown = true

	cfg.Pipeline.Epochs = 1
	cfg.Pipeline.Shuffle = true
	cfg.Pipeline.Readers = runtime.NumCPU() // One reader per core by default
	cfg.Pipeline.BatchSize = 16
	cfg.Pipeline.PrefetchDepth = 2
	cfg.Pipeline.Precision = "float64"
	cfg.Pipeline.Seed = 1

	cfg.Reader.Backend = "native"

	cfg.Filters.BalanceClasses = false
	cfg.Filters.EntropyThreshold = 0.3
	cfg.Filters.HistogramMin = 0
	cfg.Filters.HistogramMax = 255
	cfg.Filters.HistogramBins = 256
	cfg.Filters.NaNMode = "none"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// ToParams resolves the configuration into pipeline parameters, discovering
// the raw (and, in paired mode, reference) file lists from the configured
// directories.
func (cfg *Config) ToParams() (pipeline.Params, error) {
	var params pipeline.Params

	switch cfg.Data.ReferenceMode {
	case "paired", "":
		params.ReferenceMode = pipeline.ReferencePaired
	case "embedded":
		params.ReferenceMode = pipeline.ReferenceEmbedded
	case "none":
		params.ReferenceMode = pipeline.ReferenceNone
	default:
		return params, fmt.Errorf("config: unknown reference mode %q", cfg.Data.ReferenceMode)
	}

	if cfg.Data.RawDir == "" {
		return params, fmt.Errorf("config: data.rawDir is required")
	}
	raw, err := pipeline.ExtractFilenames(cfg.Data.RawDir, cfg.Data.Pattern)
	if err != nil {
		return params, err
	}
	params.RawFiles = raw

	if params.ReferenceMode == pipeline.ReferencePaired {
		if cfg.Data.ReferenceDir == "" {
			return params, fmt.Errorf("config: data.referenceDir is required in paired mode")
		}
		ref, err := pipeline.ExtractFilenames(cfg.Data.ReferenceDir, cfg.Data.Pattern)
		if err != nil {
			return params, err
		}
		params.ReferenceFiles = ref
	}

	backend, err := imageio.ParseBackend(cfg.Reader.Backend)
	if err != nil {
		return params, err
	}
	params.Reader = pipeline.ReaderParams{
		Backend:            backend,
		GrayscaleReference: cfg.Reader.GrayscaleReference,
		OpenCVFlags:        cfg.Reader.OpenCVFlags,
	}

	switch cfg.Pipeline.Precision {
	case "float64", "":
		params.Precision = pipeline.Float64
	case "float32":
		params.Precision = pipeline.Float32
	default:
		return params, fmt.Errorf("config: unknown precision %q", cfg.Pipeline.Precision)
	}

	switch cfg.Filters.NaNMode {
	case "none", "":
		params.NaNMode = pipeline.NaNNone
	case "zero-fill":
		params.NaNMode = pipeline.NaNZeroFill
	case "reject":
		params.NaNMode = pipeline.NaNReject
	default:
		return params, fmt.Errorf("config: unknown NaN mode %q", cfg.Filters.NaNMode)
	}

	params.Epochs = cfg.Pipeline.Epochs
	params.Shuffle = cfg.Pipeline.Shuffle
	params.Readers = cfg.Pipeline.Readers
	params.BatchSize = cfg.Pipeline.BatchSize
	params.PrefetchDepth = cfg.Pipeline.PrefetchDepth
	params.Seed = cfg.Pipeline.Seed

	params.PatchRatio = cfg.Sampling.PatchRatio
	params.MaxPatchesPerImage = cfg.Sampling.MaxPatchesPerImage
	params.CoverageFactor = cfg.Sampling.CoverageFactor
	params.FieldOfView = cfg.Sampling.FieldOfView

	params.Augment = pipeline.AugmentParams{
		FlipLeftRight: cfg.Augment.FlipLeftRight,
		FlipUpDown:    cfg.Augment.FlipUpDown,
		Rot90:         cfg.Augment.Rot90,
		Brightness:    cfg.Augment.Brightness,
		Saturation:    cfg.Augment.Saturation,
		Contrast:      cfg.Augment.Contrast,
	}
	params.Whiten = cfg.Augment.Whiten

	params.ClassBalance = pipeline.ClassBalanceParams{
		Enabled:          cfg.Filters.BalanceClasses,
		EntropyThreshold: cfg.Filters.EntropyThreshold,
		Histogram: filtering.HistogramOptions{
			Min:  cfg.Filters.HistogramMin,
			Max:  cfg.Filters.HistogramMax,
			Bins: cfg.Filters.HistogramBins,
		},
	}

	return params, nil
}
