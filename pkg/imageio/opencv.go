package imageio

import (
	"fmt"

	"segstream/pkg/imagery"

	"gocv.io/x/gocv"
)

// opencvReader decodes through OpenCV. OpenCV loads color images in BGR
// order, so 3-channel results are converted to the canonical RGB order
// before leaving the reader.
type opencvReader struct {
	flags     gocv.IMReadFlag
	grayscale bool
}

func newOpenCVReader(opts Options) *opencvReader {
	flags := gocv.IMReadFlag(opts.OpenCVFlags)
	if opts.OpenCVFlags == 0 {
		flags = gocv.IMReadUnchanged
	}
	return &opencvReader{flags: flags, grayscale: opts.Grayscale}
}

func (r *opencvReader) Read(path string) (*imagery.Image, error) {
	flags := r.flags
	if r.grayscale {
		flags = gocv.IMReadGrayScale
	}

	mat := gocv.IMRead(path, flags)
	if mat.Empty() {
		return nil, &ReadError{Path: path, Err: fmt.Errorf("opencv imread returned no data")}
	}
	defer mat.Close()

	if mat.Channels() == 3 {
		rgb := gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)
		return matToImage(rgb)
	}
	return matToImage(mat)
}

// matToImage converts a Mat of any depth into the float64 HWC representation.
func matToImage(mat gocv.Mat) (*imagery.Image, error) {
	conv := gocv.NewMat()
	defer conv.Close()
	mat.ConvertTo(&conv, gocv.MatTypeCV64F)

	data, err := conv.DataPtrFloat64()
	if err != nil {
		return nil, err
	}

	h, w, c := conv.Rows(), conv.Cols(), conv.Channels()
	out := imagery.New(h, w, c)
	copy(out.Pix, data)
	return out, nil
}
