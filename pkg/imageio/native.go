package imageio

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"segstream/pkg/imagery"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// nativeReader decodes through the Go image registry. PNG and JPEG come from
// the standard library; TIFF and BMP are registered from golang.org/x/image.
type nativeReader struct {
	grayscale bool
}

func (r *nativeReader) Read(path string) (*imagery.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return fromImage(img, r.grayscale), nil
}
