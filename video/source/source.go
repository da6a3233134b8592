package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type PixelFormat int

const (
	BGR24 PixelFormat = iota
	Gray8
)

func (p PixelFormat) Channels() int {
	if p == Gray8 {
		return 1
	}
	return 3
}

func (p PixelFormat) String() string {
	switch p {
	case BGR24:
		return "bgr24"
	case Gray8:
		return "gray8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

// MinFrameSize is the smallest width or height considered a real frame.
const MinFrameSize = 10

// Frame is a decoded image and the time it was read. Frames are never
// modified once created: every read allocates a fresh Pix, so a Frame can be
// handed to other goroutines for reading.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Format PixelFormat
	Time   time.Time
}

func (f Frame) Empty() bool {
	return len(f.Pix) == 0
}

// Validate rejects frames a decoder produces when a stream is corrupt:
// undersized, truncated or a single flat color.
func (f Frame) Validate() error {
	if f.Width < MinFrameSize || f.Height < MinFrameSize {
		return fmt.Errorf("frame too small: %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * f.Format.Channels(); len(f.Pix) != want {
		return fmt.Errorf("frame buffer is %d bytes, want %d", len(f.Pix), want)
	}
	first := f.Pix[0]
	for _, b := range f.Pix[1:] {
		if b != first {
			return nil
		}
	}
	return errors.New("frame is uniform")
}

var (
	// ErrRetryable marks a failure the caller may ignore and try again.
	ErrRetryable = errors.New("retryable source error")
	// ErrFatal marks a source that cannot produce frames anymore and must be
	// rebuilt from scratch.
	ErrFatal = errors.New("fatal source error")

	// ErrInvalidFrame accompanies ErrRetryable when a frame was read but
	// failed validation.
	ErrInvalidFrame = errors.New("invalid frame")
	ErrReadTimeout  = errors.New("read timed out")
	ErrReadFailed   = errors.New("read failed")
)

func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }
func IsFatal(err error) bool     { return errors.Is(err, ErrFatal) }

func retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Source defines a stream of frames, such as a camera.
type Source interface {
	// Next returns the freshest frame. Errors wrap either ErrRetryable or
	// ErrFatal, or are the context's error.
	Next(ctx context.Context) (Frame, error)

	// Close disconnects from the capture source and frees up all resources.
	Close() error
}

// Device is a raw decoded-frame provider, like an open camera handle. Read
// may block; a Device is only ever used from one goroutine.
type Device interface {
	Read() (Frame, error)
	Close() error
}

// Opener acquires a Device.
type Opener func(ctx context.Context) (Device, error)
