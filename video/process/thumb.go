package process

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"birdcam/video/source"
)

type ThumbnailOptions struct {
	Enabled bool
	// The thumbnail fits inside Width x Height, keeping the aspect ratio.
	Width, Height int
	Quality       int
}

// JPEGEncoder turns a selected frame into the stored image and its
// thumbnail.
type JPEGEncoder struct {
	Quality   int
	Thumbnail ThumbnailOptions
}

func encodeJPEG(m gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	b := buf.GetBytes()
	if len(b) == 0 {
		return nil, errors.New("empty jpeg")
	}
	// GetBytes points at native memory freed by Close.
	return append([]byte(nil), b...), nil
}

// EncodeJPEG encodes a frame at the given quality.
func EncodeJPEG(f source.Frame, quality int) ([]byte, error) {
	m, err := f.ToMat()
	if err != nil {
		return nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer m.Close()
	return encodeJPEG(m, quality)
}

// ThumbSize scales w x h down to fit in maxW x maxH. Images that already fit
// are not enlarged.
func ThumbSize(w, h, maxW, maxH int) image.Point {
	if w <= maxW && h <= maxH {
		return image.Point{X: w, Y: h}
	}
	sw := float64(maxW) / float64(w)
	sh := float64(maxH) / float64(h)
	s := min(sw, sh)
	return image.Point{X: max(1, int(float64(w)*s)), Y: max(1, int(float64(h)*s))}
}

// Encode returns the full size JPEG and, when enabled, the thumbnail JPEG.
func (e JPEGEncoder) Encode(f source.Frame) (img, thumb []byte, err error) {
	m, err := f.ToMat()
	if err != nil {
		return nil, nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer m.Close()

	img, err = encodeJPEG(m, e.Quality)
	if err != nil {
		return nil, nil, fmt.Errorf("encode image: %w", err)
	}
	if !e.Thumbnail.Enabled {
		return img, nil, nil
	}

	t := gocv.NewMat()
	defer t.Close()
	sz := ThumbSize(f.Width, f.Height, e.Thumbnail.Width, e.Thumbnail.Height)
	gocv.Resize(m, &t, sz, 0, 0, gocv.InterpolationArea)

	thumb, err = encodeJPEG(t, e.Thumbnail.Quality)
	if err != nil {
		return nil, nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return img, thumb, nil
}
