package process

import (
	"fmt"

	"gocv.io/x/gocv"

	"birdcam/video/source"
)

// LowLightThreshold is the Brightness below which a scene is considered dark.
const LowLightThreshold = 0.2

func gray(f source.Frame) (gocv.Mat, error) {
	in, err := f.ToMat()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("frame to mat: %w", err)
	}
	if f.Format == source.Gray8 {
		return in, nil
	}
	defer in.Close()
	g := gocv.NewMat()
	gocv.CvtColor(in, &g, gocv.ColorBGRToGray)
	return g, nil
}

// Sharpness is the variance of the Laplacian of the frame. Blurry frames have
// few edges and score low.
func Sharpness(f source.Frame) (float64, error) {
	g, err := gray(f)
	if err != nil {
		return 0, err
	}
	defer g.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(g, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean, stddev := gocv.NewMat(), gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd, nil
}

// Brightness is the mean gray level scaled to [0, 1].
func Brightness(f source.Frame) (float64, error) {
	g, err := gray(f)
	if err != nil {
		return 0, err
	}
	defer g.Close()
	return g.Mean().Val1 / 255, nil
}

// Quality scores frames for best-frame selection.
type Quality struct{}

func (Quality) Sharpness(f source.Frame) (float64, error)  { return Sharpness(f) }
func (Quality) Brightness(f source.Frame) (float64, error) { return Brightness(f) }
