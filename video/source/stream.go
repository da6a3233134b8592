package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pause after a failed device read so a dead device doesn't spin the grabber.
const readErrorPause = 10 * time.Millisecond

type StreamOptions struct {
	// ReadTimeout bounds how long Next waits for a fresh frame.
	ReadTimeout time.Duration
	// ReconnectAfter is the number of consecutive failed reads after which
	// the device is released and reopened.
	ReconnectAfter int
	Policy         ReconnectPolicy

	// ReleaseWait bounds how long a reconnect waits for the old device to
	// close before opening a new one.
	ReleaseWait time.Duration
}

type StreamStats struct {
	Connected  bool
	Reconnects uint64
	// Drops counts frames overwritten before anyone read them.
	Drops uint64
}

// Stream is a Source over a Device that always serves the freshest frame.
// A grabber goroutine reads the device as fast as it produces frames into a
// single slot; older unread frames are dropped. Read failures are retried
// transparently by reopening the device per the reconnect policy, and only
// become fatal once that policy is exhausted.
//
// A reconnect waits up to ReleaseWait for the old device to be closed, since
// some cameras refuse a second handle. If a read is wedged past that, the new
// handle is opened anyway.
//
// Next and Close must not be called concurrently.
type Stream struct {
	open Opener
	opts StreamOptions

	g        *grabber
	failures int
	err      error // sticky fatal error
	opened   int

	connected  atomic.Bool
	reconnects atomic.Uint64
	drops      atomic.Uint64

	warn rate.Sometimes
}

func NewStream(open Opener, opts StreamOptions) *Stream {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReconnectAfter <= 0 {
		opts.ReconnectAfter = 1
	}
	if opts.ReleaseWait <= 0 {
		opts.ReleaseWait = 2 * time.Second
	}
	return &Stream{
		open: open,
		opts: opts,
		warn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (s *Stream) Next(ctx context.Context) (Frame, error) {
	if s.err != nil {
		return Frame{}, s.err
	}
	if s.g == nil {
		if err := s.connect(ctx); err != nil {
			return Frame{}, err
		}
	}

	f, err := s.g.take(ctx, s.opts.ReadTimeout)
	if err == nil {
		if verr := f.Validate(); verr != nil {
			err = fmt.Errorf("%w: %w", ErrInvalidFrame, verr)
		} else {
			s.failures = 0
			return f, nil
		}
	}
	if ctx.Err() != nil {
		return Frame{}, ctx.Err()
	}

	s.failures++
	s.warn.Do(func() {
		log.Warnf("Frame read failed (%d consecutive): %v", s.failures, err)
	})
	if s.failures >= s.opts.ReconnectAfter {
		log.Warnf("Too many consecutive read failures (%d), reconnecting camera", s.failures)
		old := s.g
		s.release()
		s.awaitClosed(old)
		if cerr := s.connect(ctx); cerr != nil {
			return Frame{}, cerr
		}
	}
	return Frame{}, retryable(err)
}

func (s *Stream) connect(ctx context.Context) error {
	dev, err := s.opts.Policy.open(ctx, s.open)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.err = fatal(fmt.Errorf("camera unavailable after %d attempts: %w", s.opts.Policy.MaxAttempts, err))
		log.Errorf("Giving up on camera: %v", s.err)
		return s.err
	}
	if s.opened > 0 {
		s.reconnects.Add(1)
	}
	s.opened++
	s.failures = 0
	s.g = newGrabber(dev, &s.drops)
	go s.g.run()
	s.connected.Store(true)
	return nil
}

func (s *Stream) release() {
	if s.g != nil {
		s.g.stop()
		s.g = nil
	}
	s.connected.Store(false)
}

func (s *Stream) awaitClosed(g *grabber) {
	select {
	case <-g.done:
	case <-time.After(s.opts.ReleaseWait):
		log.Warnf("Camera still busy after %v, opening a new handle anyway", s.opts.ReleaseWait)
	}
}

// Close releases the device. The device handle is closed by the grabber once
// its in-progress read returns.
func (s *Stream) Close() error {
	s.release()
	return nil
}

// Stats may be called from any goroutine.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Connected:  s.connected.Load(),
		Reconnects: s.reconnects.Load(),
		Drops:      s.drops.Load(),
	}
}

// grabber owns a Device: it is the only goroutine that reads or closes it.
type grabber struct {
	dev Device

	mu    sync.Mutex
	frame *Frame
	err   error

	ready chan struct{}
	quit  chan struct{}
	once  sync.Once
	done  chan struct{}

	drops *atomic.Uint64
}

func newGrabber(dev Device, drops *atomic.Uint64) *grabber {
	return &grabber{
		dev:   dev,
		ready: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		drops: drops,
	}
}

func (g *grabber) run() {
	defer close(g.done)
	defer func() {
		if err := g.dev.Close(); err != nil {
			log.Warnf("Error closing camera: %v", err)
		}
	}()
	for {
		select {
		case <-g.quit:
			return
		default:
		}

		f, err := g.dev.Read()

		g.mu.Lock()
		if err != nil {
			g.err = err
		} else {
			if g.frame != nil {
				g.drops.Add(1)
			}
			g.frame = &f
			g.err = nil
		}
		g.mu.Unlock()

		select {
		case g.ready <- struct{}{}:
		default:
		}

		if err != nil {
			select {
			case <-g.quit:
				return
			case <-time.After(readErrorPause):
			}
		}
	}
}

// take returns the pending frame or read error, waiting up to timeout for one.
func (g *grabber) take(ctx context.Context, timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		if g.frame != nil {
			f := *g.frame
			g.frame = nil
			g.mu.Unlock()
			return f, nil
		}
		if g.err != nil {
			err := g.err
			g.err = nil
			g.mu.Unlock()
			if !errors.Is(err, ErrReadFailed) {
				err = fmt.Errorf("%w: %w", ErrReadFailed, err)
			}
			return Frame{}, err
		}
		g.mu.Unlock()

		select {
		case <-g.ready:
		case <-timer.C:
			return Frame{}, ErrReadTimeout
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

func (g *grabber) stop() {
	g.once.Do(func() { close(g.quit) })
}
