package video

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"birdcam/config"
	"birdcam/status"
	"birdcam/util"
	"birdcam/video/process"
	"birdcam/video/source"
)

// How often scene brightness is measured while idle.
const brightnessEvery = 10 * time.Second

type Detector interface {
	Detect(f source.Frame, suppressAdapt bool) (process.Score, error)
}

type Scorer interface {
	Sharpness(f source.Frame) (float64, error)
	Brightness(f source.Frame) (float64, error)
}

type Encoder interface {
	Encode(f source.Frame) (img, thumb []byte, err error)
}

// Publisher persists a capture event and announces it downstream.
//
// A Receipt with an ImagePath means the image was stored, even if err is
// non-nil because the announcement failed. An empty Receipt means nothing
// was stored.
type Publisher interface {
	Publish(ctx context.Context, ev CaptureEvent) (Receipt, error)
}

type Receipt struct {
	ImagePath     string
	ThumbnailPath string
}

// CaptureEvent is the best frame of an episode, encoded and ready to store.
type CaptureEvent struct {
	ID         string
	EpisodeID  uint64
	Time       time.Time
	MotionArea int
	Image      []byte
	Thumbnail  []byte
	Metadata   map[string]any
}

// FrameHolder keeps the latest good frame for readers outside the capture
// loop.
type FrameHolder struct {
	p atomic.Pointer[source.Frame]
}

func (h *FrameHolder) Store(f source.Frame) {
	h.p.Store(&f)
}

func (h *FrameHolder) Load() (source.Frame, bool) {
	f := h.p.Load()
	if f == nil {
		return source.Frame{}, false
	}
	return *f, true
}

type MachineOptions struct {
	Source    source.Source
	Detector  Detector
	Scorer    Scorer
	Encoder   Encoder
	Publisher Publisher

	// Tunables is consulted for every new episode.
	Tunables func() config.Tunables
	Now      func() time.Time

	SourceName string
	// Motion holds the detector settings fixed at startup, reported in
	// status alongside the tunables.
	Motion         MotionSettings
	PublishTimeout time.Duration
	// MaxInFlight bounds concurrent publishes. Events beyond it are dropped.
	MaxInFlight int

	Status    *status.Holder
	LastFrame *FrameHolder
}

type MotionSettings struct {
	VarThreshold    float64
	BinaryThreshold float64
	WarmupFrames    int
}

type publishResult struct {
	episode uint64
	event   string
	receipt Receipt
	err     error
	elapsed time.Duration
}

// Machine is the capture state machine. Run drives it from a single
// goroutine; everything else observes it through Status and LastFrame.
type Machine struct {
	opts MachineOptions

	state         State
	ep            *Episode
	nextID        uint64
	cooldownStart time.Time
	cooldown      time.Duration

	inflight map[uint64]*Episode
	results  chan publishResult

	ready        bool
	area         int
	lastFrame    time.Time
	counters     status.Counters
	lastEventID  string
	lastImage    string
	lastErr      string
	brightness   float64
	brightnessAt time.Time
	started      time.Time

	aborted *util.Event

	warn    rate.Sometimes
	summary rate.Sometimes
}

func NewMachine(o MachineOptions) *Machine {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 1
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Status == nil {
		o.Status = &status.Holder{}
	}
	if o.LastFrame == nil {
		o.LastFrame = &FrameHolder{}
	}
	return &Machine{
		opts:     o,
		state:    Idle,
		inflight: make(map[uint64]*Episode),
		results:  make(chan publishResult, o.MaxInFlight),
		aborted:  util.NewEvent(),
		warn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		summary:  rate.Sometimes{Interval: time.Minute},
	}
}

// Aborted fires with the source error once the machine has given up.
func (m *Machine) Aborted() *util.Event {
	return m.aborted
}

// Run processes frames until ctx is cancelled, returning nil, or the source
// fails fatally, returning that error. In both cases the episode in progress
// is discarded and outstanding publishes are waited for.
func (m *Machine) Run(ctx context.Context) error {
	m.started = m.opts.Now()
	m.publishStatus(m.started)

	for {
		m.collect()

		readCtx, cancel := m.readContext(ctx)
		f, err := m.opts.Source.Next(readCtx)
		expired := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if ctx.Err() != nil {
			m.shutdown()
			return nil
		}
		now := m.opts.Now()
		if err != nil && expired {
			err = fmt.Errorf("%w: %w: sampling deadline reached", source.ErrRetryable, source.ErrReadTimeout)
		}
		if err != nil {
			if !source.IsRetryable(err) {
				m.abort(now, err)
				return err
			}
			m.frameError(err)
			m.step(now, nil, process.Score{})
		} else {
			m.frame(now, f)
		}
		m.publishStatus(now)
	}
}

// readContext bounds a read while sampling so a stalled source cannot hold
// the episode past its sampling deadline.
func (m *Machine) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.state != Sampling {
		return ctx, func() {}
	}
	deadline := m.ep.sampleStart.Add(m.ep.Tunables.SampleDeadline)
	return context.WithTimeout(ctx, deadline.Sub(m.opts.Now()))
}

func (m *Machine) frame(now time.Time, f source.Frame) {
	if f.Time.IsZero() {
		f.Time = now
	}
	score, err := m.opts.Detector.Detect(f, m.sampling(now))
	if err != nil {
		m.counters.FrameErrors++
		metricFrameErrors.WithLabelValues("detect").Inc()
		m.lastErr = err.Error()
		m.warn.Do(func() { log.Warnf("Motion detection failed: %v", err) })
		m.step(now, nil, process.Score{})
		return
	}

	m.counters.Frames++
	metricFrames.Inc()
	m.ready = score.Ready
	m.area = score.Area
	metricMotionArea.Set(float64(score.Area))
	m.lastFrame = f.Time
	m.opts.LastFrame.Store(f)

	if m.state == Idle && now.Sub(m.brightnessAt) >= brightnessEvery {
		m.measureBrightness(now, f)
	}

	m.step(now, &f, score)
}

// sampling reports whether a frame read at now will be taken as a candidate,
// either because the machine is sampling or because the settle delay ends
// with this frame.
func (m *Machine) sampling(now time.Time) bool {
	switch m.state {
	case Sampling:
		return true
	case Delaying:
		return now.Sub(m.ep.Start) >= m.ep.Tunables.SettleDelay
	}
	return false
}

func (m *Machine) frameError(err error) {
	m.counters.FrameErrors++
	m.lastErr = err.Error()
	switch {
	case errors.Is(err, source.ErrInvalidFrame):
		m.counters.InvalidFrames++
		metricFrameErrors.WithLabelValues("invalid").Inc()
	case errors.Is(err, source.ErrReadTimeout):
		metricFrameErrors.WithLabelValues("timeout").Inc()
	default:
		metricFrameErrors.WithLabelValues("read").Inc()
	}
	log.Debugf("Skipping frame: %v", err)
}

// step advances the machine given the time and, if one was read, the frame
// and its score. Zero delays cascade within a single step.
func (m *Machine) step(now time.Time, f *source.Frame, score process.Score) {
	if m.state == Cooldown && now.Sub(m.cooldownStart) >= m.cooldown {
		m.transition(Idle)
	}

	if m.state == Idle && f != nil && score.Ready {
		if t := m.opts.Tunables(); score.Area >= t.TriggerArea {
			m.trigger(now, score.Area, t)
		}
	}

	if m.state == Delaying && now.Sub(m.ep.Start) >= m.ep.Tunables.SettleDelay {
		m.transition(Sampling)
		m.ep.setStatus(EpisodeSampling)
		m.ep.sampleStart = now
		m.ep.nextSample = now
		m.ep.log().Debug("Sampling")
	}

	if m.state == Sampling {
		m.sample(now, f)
	}
}

func (m *Machine) trigger(now time.Time, area int, t config.Tunables) {
	m.transition(Triggered)
	m.nextID++
	m.ep = newEpisode(m.nextID, now, area, t)
	m.counters.EpisodesStarted++
	metricEpisodes.WithLabelValues("started").Inc()
	m.ep.log().Infof("Motion detected, area %d >= %d", area, t.TriggerArea)
	m.transition(Delaying)
}

func (m *Machine) sample(now time.Time, f *source.Frame) {
	ep := m.ep
	if !now.Before(ep.nextSample) {
		// A slot without a frame is skipped, not retried.
		if f != nil {
			if s, err := m.opts.Scorer.Sharpness(*f); err != nil {
				ep.log().Warnf("Failed to score candidate: %v", err)
			} else {
				ep.candidates.Add(Candidate{Frame: *f, Sharpness: s})
			}
		}
		ep.nextSample = now.Add(ep.Tunables.SampleInterval)
	}

	if ep.candidates.Full() || now.Sub(ep.sampleStart) >= ep.Tunables.SampleDeadline {
		m.transition(Selecting)
		m.selectBest(now)
	}
}

func (m *Machine) selectBest(now time.Time) {
	ep := m.ep
	n := ep.candidates.Len()
	best, ok := ep.candidates.Best()
	if !ok {
		ep.log().Warn("No frames sampled, discarding episode")
		m.discard(ep)
		m.enterCooldown(now)
		return
	}

	ep.setStatus(EpisodeSelected)
	ep.candidates = nil
	m.transition(Publishing)
	m.publish(ep, best, n)
	m.enterCooldown(now)
}

func (m *Machine) publish(ep *Episode, best Candidate, candidates int) {
	img, thumb, err := m.opts.Encoder.Encode(best.Frame)
	if err != nil {
		ep.log().Errorf("Failed to encode capture: %v", err)
		m.lastErr = err.Error()
		m.discard(ep)
		return
	}
	if len(m.inflight) >= m.opts.MaxInFlight {
		ep.log().Warnf("%d captures still publishing, dropping this one", len(m.inflight))
		m.discard(ep)
		return
	}

	m.measureBrightness(best.Frame.Time, best.Frame)

	ev := CaptureEvent{
		ID:         uuid.NewString(),
		EpisodeID:  ep.ID,
		Time:       best.Frame.Time,
		MotionArea: ep.TriggerArea,
		Image:      img,
		Thumbnail:  thumb,
		Metadata: map[string]any{
			"source":       m.opts.SourceName,
			"trigger_area": ep.Tunables.TriggerArea,
			"sharpness":    best.Sharpness,
			"candidates":   candidates,
			"brightness":   m.brightness,
		},
	}
	ep.log().WithField("event", ev.ID).Infof("Publishing best of %d frames, sharpness %.1f", candidates, best.Sharpness)

	m.inflight[ep.ID] = ep
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PublishTimeout)
		defer cancel()
		r, err := m.opts.Publisher.Publish(ctx, ev)
		m.results <- publishResult{
			episode: ev.EpisodeID,
			event:   ev.ID,
			receipt: r,
			err:     err,
			elapsed: time.Since(start),
		}
	}()
}

// collect applies any finished publishes without blocking.
func (m *Machine) collect() {
	for {
		select {
		case r := <-m.results:
			m.finish(r)
		default:
			return
		}
	}
}

// drain waits for every outstanding publish.
func (m *Machine) drain() {
	if n := len(m.inflight); n > 0 {
		log.Infof("Waiting for %d captures to publish", n)
	}
	for len(m.inflight) > 0 {
		m.finish(<-m.results)
	}
}

func (m *Machine) finish(r publishResult) {
	ep := m.inflight[r.episode]
	delete(m.inflight, r.episode)
	metricPublishDuration.Observe(r.elapsed.Seconds())

	elog := ep.log().WithField("event", r.event)
	if r.err != nil {
		m.counters.PublishErrors++
		metricPublishErrors.Inc()
		m.lastErr = r.err.Error()
		elog.Errorf("Publish failed: %v", r.err)
	}
	if r.receipt.ImagePath == "" {
		m.discard(ep)
		return
	}

	ep.setStatus(EpisodePublished)
	m.counters.EpisodesPublished++
	metricEpisodes.WithLabelValues("published").Inc()
	m.lastEventID = r.event
	m.lastImage = r.receipt.ImagePath
	elog.Infof("Capture stored at %s", r.receipt.ImagePath)
}

func (m *Machine) discard(ep *Episode) {
	if ep.discard() {
		m.counters.EpisodesDiscarded++
		metricEpisodes.WithLabelValues("discarded").Inc()
	}
}

func (m *Machine) enterCooldown(now time.Time) {
	m.transition(Cooldown)
	m.cooldownStart = now
	m.cooldown = m.ep.Tunables.Cooldown
	m.ep = nil
}

func (m *Machine) abort(now time.Time, err error) {
	if m.ep != nil {
		m.ep.log().Warn("Discarding episode, camera lost")
		m.discard(m.ep)
		m.ep = nil
	}
	m.transition(Aborted)
	m.lastErr = err.Error()
	log.Errorf("Capture aborted: %v", err)
	m.drain()
	m.publishStatus(now)
	m.aborted.Notify(err)
}

func (m *Machine) shutdown() {
	if m.ep != nil {
		m.ep.log().Info("Abandoning episode for shutdown")
		m.discard(m.ep)
		m.ep = nil
	}
	m.drain()
	m.publishStatus(m.opts.Now())
	log.Info("Capture loop stopped")
}

func (m *Machine) transition(to State) {
	if !m.state.CanTransition(to) {
		log.Panicf("Illegal capture transition %v -> %v", m.state, to)
	}
	log.Debugf("Capture state %v -> %v", m.state, to)
	m.state = to
}

func (m *Machine) measureBrightness(now time.Time, f source.Frame) {
	b, err := m.opts.Scorer.Brightness(f)
	if err != nil {
		log.Debugf("Failed to measure brightness: %v", err)
		return
	}
	m.brightness = b
	m.brightnessAt = now
}

func (m *Machine) publishStatus(now time.Time) {
	t := m.opts.Tunables()
	s := &status.Status{
		State:      m.state.String(),
		Ready:      m.ready,
		Connected:  m.state != Aborted,
		Source:     m.opts.SourceName,
		LastFrame:  m.lastFrame,
		MotionArea: m.area,
		Thresholds: status.Thresholds{
			TriggerArea:    t.TriggerArea,
			CooldownSec:    t.Cooldown.Seconds(),
			SettleDelaySec: t.SettleDelay.Seconds(),
			SampleCount:    t.SampleCount,
			SampleInterval: t.SampleInterval.Seconds(),
			SampleDeadline: t.SampleDeadline.Seconds(),

			VarThreshold:    m.opts.Motion.VarThreshold,
			BinaryThreshold: m.opts.Motion.BinaryThreshold,
			WarmupFrames:    m.opts.Motion.WarmupFrames,
		},
		Counters:      m.counters,
		LastEventID:   m.lastEventID,
		LastImagePath: m.lastImage,
		LastError:     m.lastErr,
		Brightness:    m.brightness,
		LowLight:      m.brightnessAt != (time.Time{}) && m.brightness < process.LowLightThreshold,
		Started:       m.started,
		Updated:       now,
	}
	if m.ep != nil {
		s.EpisodeID = m.ep.ID
		s.EpisodeStatus = m.ep.Status.String()
	}
	if st, ok := m.opts.Source.(interface{ Stats() source.StreamStats }); ok {
		stats := st.Stats()
		s.Connected = stats.Connected && m.state != Aborted
		s.Counters.Reconnects = stats.Reconnects
		s.Counters.Drops = stats.Drops
		metricReconnects.Set(float64(stats.Reconnects))
		metricDrops.Set(float64(stats.Drops))
	}
	m.opts.Status.Store(s)

	m.summary.Do(func() {
		log.Infof("Status: %s, area %d, %d frames, episodes %d started %d published %d discarded, %d publish errors",
			s.State, s.MotionArea, s.Counters.Frames, s.Counters.EpisodesStarted,
			s.Counters.EpisodesPublished, s.Counters.EpisodesDiscarded, s.Counters.PublishErrors)
	})
}
