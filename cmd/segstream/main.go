package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"segstream/pkg/config"
	"segstream/pkg/imagery"
	"segstream/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "segstream.yaml", "Path to the YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write a default configuration file and exit")
	maxBatches := flag.Int("batches", 0, "Stop after this many batches (0 = run the configured epochs)")
	previewDir := flag.String("preview-dir", "", "Directory to dump the first batch as PNG previews")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	params, err := cfg.ToParams()
	if err != nil {
		log.Fatalf("Failed to resolve config: %v", err)
	}

	provider, err := pipeline.NewProvider(params)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	summary, err := provider.Config().YAML()
	if err != nil {
		log.Fatalf("Failed to render pipeline summary: %v", err)
	}
	fmt.Println("================================")
	fmt.Println("SEGSTREAM TRAINING DATA PIPELINE")
	fmt.Println("================================")
	fmt.Print(summary)

	ctx := context.Background()
	stream := provider.Stream(ctx)
	defer stream.Stop()

	fmt.Println("\nStreaming batches...")
	startTime := time.Now()

	batches := 0
	samples := 0
	for {
		if *maxBatches > 0 && batches >= *maxBatches {
			break
		}
		batch, err := stream.Next(ctx)
		if errors.Is(err, pipeline.ErrExhausted) {
			break
		}
		if err != nil {
			log.Fatalf("Stream failed: %v", err)
		}

		if batches == 0 && *previewDir != "" {
			if err := dumpPreviews(batch, *previewDir); err != nil {
				log.Printf("Warning: failed to write previews: %v", err)
			} else {
				fmt.Printf("First batch previews saved to: %s\n", *previewDir)
			}
		}

		mean, std := batchMoments(batch)
		fmt.Printf("batch %4d: shape (%d,%d,%d,%d) mean=%.4f std=%.4f\n",
			batches, batch.Samples, batch.Height, batch.Width, batch.Channels, mean, std)

		batches++
		samples += batch.Len()
	}

	elapsed := time.Since(startTime)
	fmt.Printf("\nStreamed %d batches (%d samples) in %.2f seconds\n",
		batches, samples, elapsed.Seconds())
	if elapsed > 0 && samples > 0 {
		fmt.Printf("Throughput: %.1f samples/second\n", float64(samples)/elapsed.Seconds())
	}
}

// batchMoments computes the mean and standard deviation over every value in
// the batch, a quick sanity signal for whitening and augmentation settings.
func batchMoments(b *pipeline.Batch) (mean, std float64) {
	var values []float64
	if b.Precision == pipeline.Float32 {
		values = make([]float64, len(b.F32))
		for i, v := range b.F32 {
			values[i] = float64(v)
		}
	} else {
		values = b.F64
	}
	mean, variance := stat.MeanVariance(values, nil)
	return mean, math.Sqrt(variance)
}

// dumpPreviews writes every sample of the batch as grayscale PNGs, one file
// per channel, rescaled to the displayable byte range.
func dumpPreviews(b *pipeline.Batch, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i := 0; i < b.Len(); i++ {
		sample := imagery.ScaleToBytes(b.Sample(i))
		for c := 0; c < sample.Channels; c++ {
			img := image.NewGray(image.Rect(0, 0, sample.Width, sample.Height))
			for y := 0; y < sample.Height; y++ {
				for x := 0; x < sample.Width; x++ {
					img.SetGray(x, y, color.Gray{Y: uint8(sample.At(y, x, c))})
				}
			}
			path := filepath.Join(dir, fmt.Sprintf("sample%02d_ch%d.png", i, c))
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := png.Encode(f, img); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
