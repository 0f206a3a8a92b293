package imageio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"segstream/pkg/imagery"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// rasterReader decodes TIFF and BMP rasters the way geospatial toolkits do:
// the file is read band by band into a planar (band, row, column) buffer and
// then transposed into the pipeline's interleaved HWC order. 16-bit bands
// keep their native 0..65535 scale.
type rasterReader struct {
	grayscale bool
}

func (r *rasterReader) Read(path string) (*imagery.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	case ".bmp":
		img, err = bmp.Decode(f)
	default:
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}

	bands, h, w, err := readBands(img, r.grayscale)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return interleave(bands, h, w), nil
}

// readBands extracts planar band buffers from the decoded raster.
func readBands(img image.Image, grayscale bool) ([][]float64, int, int, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, 0, 0, fmt.Errorf("raster has no data")
	}

	switch src := img.(type) {
	case *image.Gray:
		band := make([]float64, h*w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				band[y*w+x] = float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return [][]float64{band}, h, w, nil
	case *image.Gray16:
		band := make([]float64, h*w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				band[y*w+x] = float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return [][]float64{band}, h, w, nil
	}

	if grayscale || grayModel(img.ColorModel()) {
		band := make([]float64, h*w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				band[y*w+x] = luma(float64(r>>8), float64(g>>8), float64(b>>8))
			}
		}
		return [][]float64{band}, h, w, nil
	}

	bands := make([][]float64, 3)
	for c := range bands {
		bands[c] = make([]float64, h*w)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			bands[0][y*w+x] = float64(r >> 8)
			bands[1][y*w+x] = float64(g >> 8)
			bands[2][y*w+x] = float64(b >> 8)
		}
	}
	return bands, h, w, nil
}

// interleave transposes planar (band, row, column) buffers into HWC order.
func interleave(bands [][]float64, h, w int) *imagery.Image {
	out := imagery.New(h, w, len(bands))
	for c, band := range bands {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(y, x, c, band[y*w+x])
			}
		}
	}
	return out
}
