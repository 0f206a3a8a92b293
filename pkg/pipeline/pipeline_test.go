package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"segstream/pkg/imagery"
	"segstream/pkg/transform"
)

// TestGridEvaluationPass verifies the reproducible evaluation setup: four
// 64x64 pairs, half-height patches and no shuffling yield one grid crop per
// image and exactly two 2-sample batches per epoch.
func TestGridEvaluationPass(t *testing.T) {
	raw, ref := writeDataset(t, 4, 64, 64)

	provider, err := NewProvider(Params{
		RawFiles:           raw,
		ReferenceFiles:     ref,
		ReferenceMode:      ReferencePaired,
		Epochs:             1,
		Shuffle:            false,
		PatchRatio:         0.5,
		MaxPatchesPerImage: 4,
		CoverageFactor:     1.0,
		Readers:            2,
		BatchSize:          2,
		Seed:               1,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider.PatchSize() != 32 {
		t.Fatalf("Expected patch size 32, got %d", provider.PatchSize())
	}
	if provider.RawDepth() != 1 || provider.ReferenceDepth() != 1 {
		t.Fatalf("Expected depths 1/1, got %d/%d", provider.RawDepth(), provider.ReferenceDepth())
	}

	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	batches := 0
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch.Samples != 2 || batch.Height != 32 || batch.Width != 32 || batch.Channels != 2 {
			t.Fatalf("Unexpected batch shape (%d,%d,%d,%d)",
				batch.Samples, batch.Height, batch.Width, batch.Channels)
		}
		batches++
	}
	if batches != 2 {
		t.Fatalf("Expected 2 batches per epoch, got %d", batches)
	}

	// Exhaustion is sticky.
	if _, err := stream.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted on repeated Next, got %v", err)
	}
}

// TestStreamDeterminism verifies that two streams with identical
// configuration and seed emit bit-identical batches, shuffling, random crops
// and augmentation included.
func TestStreamDeterminism(t *testing.T) {
	raw, ref := writeDataset(t, 4, 64, 64)

	params := Params{
		RawFiles:           raw,
		ReferenceFiles:     ref,
		ReferenceMode:      ReferencePaired,
		Epochs:             2,
		Shuffle:            true,
		PatchRatio:         0.5,
		MaxPatchesPerImage: 4,
		CoverageFactor:     1.0,
		Readers:            3,
		BatchSize:          4,
		Augment: AugmentParams{
			FlipLeftRight: true,
			FlipUpDown:    true,
			Brightness:    0.2,
		},
		Seed: 42,
	}

	first := collectBatches(t, params)
	second := collectBatches(t, params)

	if len(first) != len(second) {
		t.Fatalf("Batch counts differ: %d vs %d", len(first), len(second))
	}
	if len(first) == 0 {
		t.Fatal("No batches produced")
	}
	for i := range first {
		a, b := first[i], second[i]
		if len(a.F64) != len(b.F64) {
			t.Fatalf("Batch %d sizes differ", i)
		}
		for j := range a.F64 {
			if a.F64[j] != b.F64[j] {
				t.Fatalf("Batch %d differs at value %d: %v vs %v", i, j, a.F64[j], b.F64[j])
			}
		}
	}

	// The unshuffled evaluation stream is equally reproducible.
	params.Shuffle = false
	evalA := collectBatches(t, params)
	evalB := collectBatches(t, params)
	if len(evalA) != len(evalB) || len(evalA) == 0 {
		t.Fatalf("Evaluation batch counts differ: %d vs %d", len(evalA), len(evalB))
	}
	for i := range evalA {
		for j := range evalA[i].F64 {
			if evalA[i].F64[j] != evalB[i].F64[j] {
				t.Fatalf("Evaluation batch %d differs at value %d", i, j)
			}
		}
	}
	params.Shuffle = true

	// A different seed must change the output.
	params.Seed = 43
	other := collectBatches(t, params)
	same := len(other) == len(first)
	if same {
	outer:
		for i := range first {
			for j := range first[i].F64 {
				if first[i].F64[j] != other[i].F64[j] {
					same = false
					break outer
				}
			}
		}
	}
	if same {
		t.Error("Different seeds produced identical output")
	}
}

// TestFullFrameMode verifies that a patch ratio of exactly 1 disables
// cropping and emits whole images.
func TestFullFrameMode(t *testing.T) {
	raw, ref := writeDataset(t, 2, 48, 40)

	provider, err := NewProvider(Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     1,
		CoverageFactor: 1.0,
		BatchSize:      1,
		// Class balancing must be ignored in full-frame mode.
		ClassBalance: ClassBalanceParams{Enabled: true, EntropyThreshold: 0.99},
		Seed:         7,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if !provider.FullFrame() {
		t.Fatal("Expected full-frame mode")
	}

	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	batches := 0
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch.Height != 48 || batch.Width != 40 {
			t.Fatalf("Expected full 48x40 frames, got %dx%d", batch.Height, batch.Width)
		}
		batches++
	}
	if batches != 2 {
		t.Fatalf("Expected one batch per image, got %d", batches)
	}
}

// TestEmbeddedReferenceMode verifies the split of a multi-channel file into
// raw channels plus a trailing reference channel.
func TestEmbeddedReferenceMode(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, fmt.Sprintf("composite%02d.png", i))
		writeColorPNG(t, path, 32, 32)
		files = append(files, path)
	}

	provider, err := NewProvider(Params{
		RawFiles:       files,
		ReferenceMode:  ReferenceEmbedded,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		BatchSize:      1,
		Seed:           3,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider.RawDepth() != 2 || provider.ReferenceDepth() != 1 {
		t.Fatalf("Expected depths 2/1 for a 3-channel file, got %d/%d",
			provider.RawDepth(), provider.ReferenceDepth())
	}
}

// TestEntropyFilterDropsFlatReferences verifies that class balancing rejects
// crops whose reference is a single class.
func TestEntropyFilterDropsFlatReferences(t *testing.T) {
	dir := t.TempDir()

	// One pair with a constant reference, one with a balanced two-class
	// reference. Only the latter may contribute crops.
	rawFlat := filepath.Join(dir, "raw_flat.png")
	refFlat := filepath.Join(dir, "ref_flat.png")
	writeGrayPNG(t, rawFlat, 64, 64, func(y, x int) uint8 { return uint8(x) })
	writeGrayPNG(t, refFlat, 64, 64, func(y, x int) uint8 { return 42 })

	rawSplit := filepath.Join(dir, "raw_split.png")
	refSplit := filepath.Join(dir, "ref_split.png")
	writeGrayPNG(t, rawSplit, 64, 64, func(y, x int) uint8 { return uint8(y) })
	writeGrayPNG(t, refSplit, 64, 64, func(y, x int) uint8 {
		if x%2 == 0 {
			return 0
		}
		return 200
	})

	provider, err := NewProvider(Params{
		RawFiles:           []string{rawFlat, rawSplit},
		ReferenceFiles:     []string{refFlat, refSplit},
		ReferenceMode:      ReferencePaired,
		Shuffle:            false,
		PatchRatio:         0.5,
		MaxPatchesPerImage: 4,
		CoverageFactor:     1.0,
		BatchSize:          1,
		ClassBalance:       ClassBalanceParams{Enabled: true, EntropyThreshold: 0.3},
		Seed:               5,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	batches := 0
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		// Every surviving crop must carry both reference classes.
		sample := batch.Sample(0)
		seen := map[float64]bool{}
		for y := 0; y < sample.Height; y++ {
			for x := 0; x < sample.Width; x++ {
				seen[sample.At(y, x, 1)] = true
			}
		}
		if len(seen) < 2 {
			t.Fatal("A single-class crop survived the entropy filter")
		}
		batches++
	}
	// The flat pair contributes nothing; the split pair's grid yields one
	// 32px crop on a 64x64 image.
	if batches != 1 {
		t.Fatalf("Expected 1 surviving batch, got %d", batches)
	}
}

// TestNaNRejectFilter verifies the built-in NaN predicate wiring.
func TestNaNRejectFilter(t *testing.T) {
	raw, ref := writeDataset(t, 1, 64, 64)

	provider, err := NewProvider(Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		NaNMode:        NaNReject,
		Seed:           1,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	poisoned := imagery.New(4, 4, 2)
	poisoned.Set(1, 1, 0, math.NaN())
	if provider.filters.Accept(poisoned) {
		t.Error("NaN crop accepted under NaNReject")
	}
	if !provider.filters.Accept(imagery.New(4, 4, 2)) {
		t.Error("Clean crop rejected under NaNReject")
	}
}

// TestNaNZeroFillTransform verifies that zero-fill mode scrubs NaN values in
// the transform chain.
func TestNaNZeroFillTransform(t *testing.T) {
	raw, ref := writeDataset(t, 1, 64, 64)

	provider, err := NewProvider(Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		NaNMode:        NaNZeroFill,
		Seed:           1,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	poisoned := imagery.New(4, 4, 2)
	poisoned.Set(2, 3, 0, math.NaN())
	out, err := provider.chain.Apply(poisoned, transform.Seed{Lo: 9, Hi: 9})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.HasNaN() {
		t.Error("NaN survived zero-fill mode")
	}
}

// TestStreamStop verifies that an infinite stream can be abandoned and
// reports ErrStopped afterwards.
func TestStreamStop(t *testing.T) {
	raw, ref := writeDataset(t, 2, 64, 64)

	provider, err := NewProvider(Params{
		RawFiles:           raw,
		ReferenceFiles:     ref,
		ReferenceMode:      ReferencePaired,
		Epochs:             -1,
		Shuffle:            true,
		PatchRatio:         0.5,
		MaxPatchesPerImage: 4,
		CoverageFactor:     1.0,
		BatchSize:          2,
		Seed:               11,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	ctx := context.Background()
	stream := provider.Stream(ctx)

	// An infinite stream keeps producing.
	for i := 0; i < 5; i++ {
		if _, err := stream.Next(ctx); err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
	}

	stream.Stop()

	// Drain whatever was prefetched; the stream must then report the stop.
	for {
		_, err := stream.Next(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Expected ErrStopped, got %v", err)
		}
		break
	}
}

// TestStreamReadFailure verifies that an unreadable file fails the stream
// instead of being silently skipped.
func TestStreamReadFailure(t *testing.T) {
	raw, ref := writeDataset(t, 2, 64, 64)
	raw[1] = filepath.Join(t.TempDir(), "missing.png")

	provider, err := NewProvider(Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		BatchSize:      1,
		Seed:           1,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	for {
		_, err := stream.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrExhausted) || errors.Is(err, ErrStopped) {
			t.Fatalf("Expected a read error, got %v", err)
		}
		break
	}
}

// TestProviderValidation verifies the fail-fast configuration checks.
func TestProviderValidation(t *testing.T) {
	raw, ref := writeDataset(t, 2, 64, 64)

	base := Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		Seed:           1,
	}

	p := base
	p.RawFiles = nil
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for empty file list")
	}

	p = base
	p.ReferenceFiles = ref[:1]
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for mismatched list lengths")
	}

	p = base
	p.CoverageFactor = 0
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for zero coverage factor")
	}

	p = base
	p.FieldOfView = 6
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for even field of view")
	}

	p = base
	p.ClassBalance = ClassBalanceParams{Enabled: true, EntropyThreshold: 1.5}
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for out-of-range entropy threshold")
	}

	p = base
	p.PatchRatio = 2000 // absolute size larger than the probe image
	if _, err := NewProvider(p); err == nil {
		t.Error("Expected error for oversized patch")
	}
}

// TestBatchPrecision verifies float32 packing and the Sample round trip.
func TestBatchPrecision(t *testing.T) {
	crops := []*imagery.Image{imagery.New(2, 2, 1), imagery.New(2, 2, 1)}
	for i, c := range crops {
		for j := range c.Pix {
			c.Pix[j] = float64(i*100 + j)
		}
	}

	b32 := newBatch(crops, Float32)
	if b32.F64 != nil || len(b32.F32) != 8 {
		t.Fatalf("Unexpected float32 packing: F64=%v len(F32)=%d", b32.F64, len(b32.F32))
	}
	sample := b32.Sample(1)
	if sample.At(0, 0, 0) != 100 || sample.At(1, 1, 0) != 103 {
		t.Errorf("Sample round trip failed: got %v and %v",
			sample.At(0, 0, 0), sample.At(1, 1, 0))
	}

	b64 := newBatch(crops, Float64)
	if b64.F32 != nil || len(b64.F64) != 8 {
		t.Fatalf("Unexpected float64 packing: F32=%v len(F64)=%d", b64.F32, len(b64.F64))
	}
	if b64.Len() != 2 {
		t.Errorf("Expected Len 2, got %d", b64.Len())
	}
}

// TestExtractFilenames verifies recursive discovery, pattern matching and
// deterministic ordering.
func TestExtractFilenames(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, name := range []string{"b.png", "a.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(sub, "c.png"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	files, err := ExtractFilenames(dir, "*.png")
	if err != nil {
		t.Fatalf("ExtractFilenames failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 matches, got %d: %v", len(files), files)
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Fatalf("Files not sorted: %v", files)
		}
	}

	if _, err := ExtractFilenames(dir, "*.jpeg"); err == nil {
		t.Error("Expected error for zero matches")
	}
}

// TestProviderConfigSummary verifies the YAML configuration report.
func TestProviderConfigSummary(t *testing.T) {
	raw, ref := writeDataset(t, 2, 64, 64)

	provider, err := NewProvider(Params{
		RawFiles:       raw,
		ReferenceFiles: ref,
		ReferenceMode:  ReferencePaired,
		PatchRatio:     0.5,
		CoverageFactor: 1.0,
		BatchSize:      8,
		Seed:           21,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	summary := provider.Config()
	if summary.Files != 2 || summary.PatchSize != 32 || summary.BatchSize != 8 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	text, err := summary.YAML()
	if err != nil {
		t.Fatalf("YAML failed: %v", err)
	}
	if text == "" {
		t.Error("Empty summary text")
	}
}

// Helper functions for tests

// writeDataset writes n paired 8-bit grayscale PNG fixtures and returns the
// sorted raw and reference path lists. Raw files carry a gradient; reference
// files a two-class vertical split so the entropy filter, when enabled, sees
// both classes in any crop.
func writeDataset(t *testing.T, n, h, w int) (raw, ref []string) {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		rawPath := filepath.Join(dir, fmt.Sprintf("raw%02d.png", i))
		refPath := filepath.Join(dir, fmt.Sprintf("ref%02d.png", i))
		offset := i * 13
		writeGrayPNG(t, rawPath, h, w, func(y, x int) uint8 {
			return uint8((y + x + offset) % 256)
		})
		writeGrayPNG(t, refPath, h, w, func(y, x int) uint8 {
			if x%2 == 0 {
				return 0
			}
			return 255
		})
		raw = append(raw, rawPath)
		ref = append(ref, refPath)
	}
	return raw, ref
}

// writeGrayPNG writes a grayscale PNG generated by the value function.
func writeGrayPNG(t *testing.T, path string, h, w int, value func(y, x int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value(y, x)})
		}
	}
	writeFile(t, path, img)
}

// writeColorPNG writes an RGB PNG with position-dependent channel values.
func writeColorPNG(t *testing.T, path string, h, w int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((y * 3) % 256),
				G: uint8((x * 5) % 256),
				B: uint8((y + x) % 256),
				A: 255,
			})
		}
	}
	writeFile(t, path, img)
}

func writeFile(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		t.Fatalf("Encode failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// collectBatches runs one full stream to exhaustion and returns its batches.
func collectBatches(t *testing.T, params Params) []*Batch {
	t.Helper()
	provider, err := NewProvider(params)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	var out []*Batch
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, batch)
	}
}
