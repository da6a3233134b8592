package process

import (
	"fmt"
	"image"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"birdcam/video/sink"
	"birdcam/video/source"
)

// MOG2 returns 127 for pixels it believes are shadows and 255 for
// foreground, so any binary threshold above 127 drops shadows.
const shadowValue = 127

var blurSize = image.Point{X: 21, Y: 21}

type MotionOptions struct {
	// History is the number of frames the background model remembers.
	History int
	// VarThreshold is the MOG2 squared Mahalanobis distance threshold. Lower
	// is more sensitive.
	VarThreshold float64
	// BinaryThreshold is applied to the MOG2 mask before counting. Lower is
	// more sensitive.
	BinaryThreshold float64
	// WarmupFrames are learned from but never reported as ready.
	WarmupFrames int

	// Debug, if set, receives the intermediate masks as MJPEG streams.
	Debug *sink.MJPEGStreamPool
}

// Score is the motion measured on a single frame.
type Score struct {
	// Area is the number of foreground pixels after filtering.
	Area int
	// Ready is false while the background model is still warming up, in which
	// case Area is always zero.
	Ready bool
	Time  time.Time
}

// Motion is a background-subtraction motion detector. It is not safe for
// concurrent use; the capture loop owns it.
type Motion struct {
	opts MotionOptions
	d    gocv.BackgroundSubtractorMOG2

	blur, fg, mask gocv.Mat
	kernel         gocv.Mat

	seen int
}

func NewMotion(o MotionOptions) *Motion {
	if o.History <= 0 {
		o.History = 500
	}
	if o.BinaryThreshold <= shadowValue {
		log.Warnf("Binary threshold %.0f keeps MOG2 shadow pixels as motion", o.BinaryThreshold)
	}
	return &Motion{
		opts:   o,
		d:      gocv.NewBackgroundSubtractorMOG2WithParams(o.History, o.VarThreshold, true),
		blur:   gocv.NewMat(),
		fg:     gocv.NewMat(),
		mask:   gocv.NewMat(),
		kernel: gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 5, Y: 5}),
	}
}

// Ready reports whether warmup has completed.
func (m *Motion) Ready() bool {
	return m.seen > m.opts.WarmupFrames
}

// Detect feeds a frame to the background model and returns its motion score.
// With suppressAdapt set the frame is measured against the background but not
// learned into it, so a subject holding still doesn't fade into the
// background.
func (m *Motion) Detect(f source.Frame, suppressAdapt bool) (Score, error) {
	in, err := f.ToMat()
	if err != nil {
		return Score{}, fmt.Errorf("frame to mat: %w", err)
	}
	defer in.Close()

	m.seen++
	warm := !m.Ready()

	gocv.GaussianBlur(in, &m.blur, blurSize, 0, 0, gocv.BorderDefault)

	// A negative rate lets MOG2 pick its own from the history length.
	rate := -1.0
	if suppressAdapt && !warm {
		rate = 0
	}
	m.d.ApplyWithParams(m.blur, &m.fg, rate)

	if warm {
		if m.seen == m.opts.WarmupFrames {
			log.Infof("Motion model warmed up after %d frames", m.seen)
		}
		return Score{Time: f.Time}, nil
	}

	gocv.Threshold(m.fg, &m.mask, float32(m.opts.BinaryThreshold), 255, gocv.ThresholdBinary)
	gocv.MorphologyEx(m.mask, &m.mask, gocv.MorphClose, m.kernel)
	gocv.MorphologyEx(m.mask, &m.mask, gocv.MorphOpen, m.kernel)
	area := gocv.CountNonZero(m.mask)

	if p := m.opts.Debug; p != nil {
		p.Put("motion", m.fg)
		p.Put("motionthresh", m.mask)
		if p.Active("default") {
			DrawTimestampStream(p, "default", in, f.Time)
		}
	}

	return Score{Area: area, Ready: true, Time: f.Time}, nil
}

func (m *Motion) Close() error {
	m.blur.Close()
	m.fg.Close()
	m.mask.Close()
	m.kernel.Close()
	return m.d.Close()
}
