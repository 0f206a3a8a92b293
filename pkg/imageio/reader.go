// Package imageio provides the pluggable image reading backends of the data
// pipeline. Every backend decodes a file into an imagery.Image with float64
// pixel values in the codec's native intensity scale (0..255 for 8-bit
// sources, 0..65535 for 16-bit sources) and a canonical red-green-blue
// channel order, regardless of the backend's native ordering.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"segstream/pkg/imagery"
)

// Backend selects one of the available decoding strategies. The choice is a
// pipeline-wide configuration decision made once at construction.
type Backend int

const (
	// BackendNative decodes through the Go image registry
	// (PNG, JPEG, TIFF and BMP).
	BackendNative Backend = iota
	// BackendRaster decodes band-planar raster files (TIFF, BMP) and
	// normalizes them to interleaved HWC order.
	BackendRaster
	// BackendOpenCV decodes through OpenCV; BGR output is normalized to RGB.
	BackendOpenCV
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendNative:
		return "native"
	case BackendRaster:
		return "raster"
	case BackendOpenCV:
		return "opencv"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend converts a configuration string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "native":
		return BackendNative, nil
	case "raster":
		return BackendRaster, nil
	case "opencv":
		return BackendOpenCV, nil
	default:
		return 0, fmt.Errorf("imageio: unknown backend %q", s)
	}
}

// ReadError reports a file that could not be decoded. It always names the
// offending path; a reader must never substitute a zero or garbage image for
// an unreadable file.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("imageio: could not read %q: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Options tunes a reader instance.
type Options struct {
	// Grayscale forces single-channel output; color sources are converted
	// to luma. Used for reference/label files.
	Grayscale bool
	// OpenCVFlags is passed through to OpenCV's imread when the OpenCV
	// backend is selected. Zero selects IMREAD_UNCHANGED.
	OpenCVFlags int
}

// Reader decodes an image file into a float64 HWC array.
type Reader interface {
	Read(path string) (*imagery.Image, error)
}

// New constructs the reader for the selected backend.
func New(b Backend, opts Options) (Reader, error) {
	switch b {
	case BackendNative:
		return &nativeReader{grayscale: opts.Grayscale}, nil
	case BackendRaster:
		return &rasterReader{grayscale: opts.Grayscale}, nil
	case BackendOpenCV:
		return newOpenCVReader(opts), nil
	default:
		return nil, fmt.Errorf("imageio: unknown backend %v", b)
	}
}

// fromImage converts a decoded image.Image into the pipeline representation.
// Gray and Gray16 sources become single-channel arrays in their native bit
// scale; everything else becomes 3-channel RGB in 0..255.
func fromImage(img image.Image, grayscale bool) *imagery.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	switch src := img.(type) {
	case *image.Gray:
		out := imagery.New(h, w, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(y, x, 0, float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return out
	case *image.Gray16:
		out := imagery.New(h, w, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(y, x, 0, float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
		return out
	}

	if grayscale {
		out := imagery.New(h, w, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				out.Set(y, x, 0, luma(float64(r>>8), float64(g>>8), float64(b>>8)))
			}
		}
		return out
	}

	out := imagery.New(h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.Set(y, x, 0, float64(r>>8))
			out.Set(y, x, 1, float64(g>>8))
			out.Set(y, x, 2, float64(b>>8))
		}
	}
	return out
}

// luma is the ITU-R BT.601 weighting used by OpenCV's grayscale conversion.
func luma(r, g, b float64) float64 {
	return math.Round(0.299*r + 0.587*g + 0.114*b)
}

// grayModel reports whether the color model carries a single channel.
func grayModel(m color.Model) bool {
	return m == color.GrayModel || m == color.Gray16Model
}
