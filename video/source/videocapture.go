package source

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

type CaptureOptions struct {
	// URI of a network stream or file. Takes precedence over Device.
	URI    string
	Device int

	// Requested size and rate. Cameras may ignore these.
	Width  int
	Height int
	FPS    float64
}

// VideoCapture is a Device backed by an OpenCV capture handle.
type VideoCapture struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func isStreamURI(uri string) bool {
	for _, p := range []string{"rtsp://", "http://", "https://"} {
		if strings.HasPrefix(uri, p) {
			return true
		}
	}
	return false
}

func OpenVideoCapture(o CaptureOptions) (*VideoCapture, error) {
	var cap *gocv.VideoCapture
	var err error
	switch {
	case isStreamURI(o.URI):
		cap, err = gocv.VideoCaptureFileWithAPI(o.URI, gocv.VideoCaptureFFmpeg)
	case o.URI != "":
		cap, err = gocv.VideoCaptureFile(o.URI)
	default:
		cap, err = gocv.VideoCaptureDevice(o.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("capture %q did not open", o.name())
	}

	// Keep the decoder from queueing frames; stale frames show up as
	// ghosting around anything that moved.
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	if o.Width > 0 && o.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(o.Width))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(o.Height))
	}
	if o.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, o.FPS)
	}

	v := &VideoCapture{cap: cap, mat: gocv.NewMat()}
	sz := v.Size()
	log.Infof("Camera opened: %s %dx%d @ %.1f FPS", o.name(), sz.X, sz.Y, cap.Get(gocv.VideoCaptureFPS))
	return v, nil
}

func (o CaptureOptions) name() string {
	if o.URI != "" {
		return o.URI
	}
	return fmt.Sprintf("device %d", o.Device)
}

// CaptureOpener returns an Opener for Stream.
func CaptureOpener(o CaptureOptions) Opener {
	return func(ctx context.Context) (Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenVideoCapture(o)
	}
}

func (v *VideoCapture) Size() image.Point {
	return image.Point{
		X: int(v.cap.Get(gocv.VideoCaptureFrameWidth)),
		Y: int(v.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (v *VideoCapture) Read() (Frame, error) {
	t := time.Now()
	if ok := v.cap.Read(&v.mat); !ok || v.mat.Empty() {
		return Frame{}, ErrReadFailed
	}
	return FromMat(v.mat, t)
}

func (v *VideoCapture) Close() error {
	v.mat.Close()
	return v.cap.Close()
}

// FromMat copies an 8-bit BGR or grayscale Mat into a new Frame.
func FromMat(m gocv.Mat, t time.Time) (Frame, error) {
	var format PixelFormat
	switch m.Type() {
	case gocv.MatTypeCV8UC3:
		format = BGR24
	case gocv.MatTypeCV8UC1:
		format = Gray8
	default:
		return Frame{}, fmt.Errorf("unsupported mat type %v", m.Type())
	}
	return Frame{
		Pix:    m.ToBytes(),
		Width:  m.Cols(),
		Height: m.Rows(),
		Format: format,
		Time:   t,
	}, nil
}

// ToMat wraps the frame pixels in a Mat. The Mat shares memory with the
// frame, so it must only be used as a source and must be closed by the
// caller.
func (f Frame) ToMat() (gocv.Mat, error) {
	mt := gocv.MatTypeCV8UC3
	if f.Format == Gray8 {
		mt = gocv.MatTypeCV8UC1
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
}
