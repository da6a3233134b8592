package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"birdcam/config"
	"birdcam/status"
	"birdcam/video/process"
	"birdcam/video/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	tick    = 50 * time.Millisecond
	trigger = 3000
)

var epoch = time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)

// frameStep is one call to Next: either a frame with the given motion area or
// an error.
type frameStep struct {
	area int
	err  error
}

func frames(n, area int) []frameStep {
	s := make([]frameStep, n)
	for i := range s {
		s[i].area = area
	}
	return s
}

func failures(n int, err error) []frameStep {
	s := make([]frameStep, n)
	for i := range s {
		s[i].err = err
	}
	return s
}

func script(parts ...[]frameStep) []frameStep {
	var all []frameStep
	for _, p := range parts {
		all = append(all, p...)
	}
	return all
}

var errRetry = fmt.Errorf("%w: decode glitch", source.ErrRetryable)
var errFatal = fmt.Errorf("%w: camera gone", source.ErrFatal)

// scene plays a script as both the Source and the Detector, advancing a fake
// clock by one tick per frame. When the script runs out it cancels the run.
type scene struct {
	steps   []frameStep
	i       int
	now     time.Time
	warmup  int
	seen    int
	cancel  context.CancelFunc
	onEnd   func()
	current frameStep

	// stallAt blocks the read after that many frames until its context
	// ends, then moves the clock on by stallFor.
	stallAt  int
	stallFor time.Duration

	suppressed []int
}

func (s *scene) Next(ctx context.Context) (source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return source.Frame{}, err
	}
	if s.i >= len(s.steps) {
		if s.onEnd != nil {
			s.onEnd()
		}
		s.cancel()
		return source.Frame{}, ctx.Err()
	}
	if s.stallAt > 0 && s.i == s.stallAt {
		s.stallAt = 0
		<-ctx.Done()
		s.now = s.now.Add(s.stallFor)
		return source.Frame{}, ctx.Err()
	}
	s.current = s.steps[s.i]
	s.i++
	s.now = s.now.Add(tick)
	if s.current.err != nil {
		return source.Frame{}, s.current.err
	}
	return source.Frame{Pix: []byte{1, 2}, Width: 1, Height: 1, Format: source.Gray8, Time: s.now}, nil
}

func (s *scene) Close() error { return nil }

func (s *scene) Detect(f source.Frame, suppressAdapt bool) (process.Score, error) {
	s.seen++
	if suppressAdapt {
		s.suppressed = append(s.suppressed, s.i)
	}
	if s.seen <= s.warmup {
		return process.Score{Time: f.Time}, nil
	}
	return process.Score{Area: s.current.area, Ready: true, Time: f.Time}, nil
}

func (s *scene) Now() time.Time { return s.now }

type fakeScorer struct {
	sharpness func(f source.Frame) (float64, error)
}

func (s fakeScorer) Sharpness(f source.Frame) (float64, error) {
	if s.sharpness == nil {
		return 1, nil
	}
	return s.sharpness(f)
}

func (fakeScorer) Brightness(source.Frame) (float64, error) { return 0.5, nil }

type fakeEncoder struct{ err error }

func (e fakeEncoder) Encode(f source.Frame) ([]byte, []byte, error) {
	if e.err != nil {
		return nil, nil, e.err
	}
	return []byte("jpeg"), []byte("thumb"), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []CaptureEvent
	result func(ev CaptureEvent) (Receipt, error)
	block  chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, ev CaptureEvent) (Receipt, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.result != nil {
		return p.result(ev)
	}
	return Receipt{ImagePath: ImagePath(ev.Time)}, nil
}

func (p *fakePublisher) Events() []CaptureEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CaptureEvent(nil), p.events...)
}

func tunables() config.Tunables {
	return config.Tunables{
		TriggerArea:    trigger,
		Cooldown:       10 * time.Second,
		SettleDelay:    200 * time.Millisecond,
		SampleCount:    5,
		SampleInterval: tick,
		SampleDeadline: time.Second,
	}
}

type harness struct {
	scene     *scene
	publisher *fakePublisher
	scorer    fakeScorer
	encoder   fakeEncoder
	tunables  config.Tunables
	inflight  int

	status  status.Holder
	machine *Machine
}

func newHarness(warmup int, steps []frameStep) *harness {
	return &harness{
		scene:     &scene{steps: steps, now: epoch, warmup: warmup},
		publisher: &fakePublisher{},
		tunables:  tunables(),
		inflight:  2,
	}
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.scene.cancel = cancel
	h.machine = NewMachine(MachineOptions{
		Source:         h.scene,
		Detector:       h.scene,
		Scorer:         h.scorer,
		Encoder:        h.encoder,
		Publisher:      h.publisher,
		Tunables:       config.Static(h.tunables),
		Now:            h.scene.Now,
		SourceName:     "test",
		Motion:         MotionSettings{VarThreshold: 35, BinaryThreshold: 175, WarmupFrames: h.scene.warmup},
		PublishTimeout: time.Second,
		MaxInFlight:    h.inflight,
		Status:         &h.status,
	})
	return h.machine.Run(ctx)
}

func (h *harness) last() *status.Status {
	return h.status.Load()
}

func TestScenarioBackgroundOnly(t *testing.T) {
	h := newHarness(75, frames(100, 0))
	require.NoError(t, h.run(t))

	s := h.last()
	assert.True(t, s.Ready)
	assert.Equal(t, "idle", s.State)
	assert.Zero(t, s.Counters.EpisodesStarted)
	assert.EqualValues(t, 100, s.Counters.Frames)
	assert.Empty(t, h.publisher.Events())
}

func TestNoTriggerDuringWarmup(t *testing.T) {
	h := newHarness(75, script(frames(75, trigger*10), frames(5, 0)))
	require.NoError(t, h.run(t))

	assert.Zero(t, h.last().Counters.EpisodesStarted)
	assert.Empty(t, h.publisher.Events())
}

func TestScenarioSingleVisit(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(20, trigger+1), frames(5, 0)))
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.GreaterOrEqual(t, ev.MotionArea, trigger)
	assert.EqualValues(t, 1, ev.EpisodeID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, []byte("jpeg"), ev.Image)
	assert.Equal(t, []byte("thumb"), ev.Thumbnail)
	assert.Equal(t, 5, ev.Metadata["candidates"])
	assert.Equal(t, "test", ev.Metadata["source"])

	s := h.last()
	assert.EqualValues(t, 1, s.Counters.EpisodesStarted)
	assert.EqualValues(t, 1, s.Counters.EpisodesPublished)
	assert.Zero(t, s.Counters.EpisodesDiscarded)
	assert.Equal(t, ev.ID, s.LastEventID)
	assert.Equal(t, ImagePath(ev.Time), s.LastImagePath)

	// Trigger on frame 6, sampling from frame 10 (200ms settle). Every
	// candidate, including the one that ends the settle delay, is kept out of
	// the background model.
	assert.Equal(t, []int{10, 11, 12, 13, 14}, h.scene.suppressed)
}

func TestSelectsSharpestCandidate(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(20, trigger+1)))
	// Candidates are frames 10-14; frame 12 is the sharpest.
	sharpest := epoch.Add(12 * tick)
	h.scorer.sharpness = func(f source.Frame) (float64, error) {
		if f.Time.Equal(sharpest) {
			return 100, nil
		}
		return 10, nil
	}
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, sharpest, events[0].Time)
	assert.Equal(t, 100.0, events[0].Metadata["sharpness"])
}

func TestScenarioFatalDuringSampling(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(6, trigger+1), failures(1, errFatal), frames(5, trigger+1)))
	err := h.run(t)
	require.Error(t, err)
	assert.True(t, source.IsFatal(err))

	s := h.last()
	assert.Equal(t, "aborted", s.State)
	assert.False(t, s.Connected)
	assert.EqualValues(t, 1, s.Counters.EpisodesDiscarded)
	assert.Zero(t, s.Counters.EpisodesPublished)
	assert.Contains(t, s.LastError, "camera gone")
	assert.Empty(t, h.publisher.Events())

	assert.True(t, h.machine.Aborted().HasBeenNotified())
	assert.ErrorIs(t, h.machine.Aborted().Wait(context.Background()), source.ErrFatal)
}

func TestScenarioCooldownSuppressesSecondBurst(t *testing.T) {
	h := newHarness(5, script(
		frames(5, 0),
		frames(20, trigger+1),
		frames(20, 0),
		frames(20, trigger+1), // well inside the 10s cooldown
	))
	require.NoError(t, h.run(t))

	assert.Len(t, h.publisher.Events(), 1)
	assert.EqualValues(t, 1, h.last().Counters.EpisodesStarted)
	assert.Equal(t, "cooldown", h.last().State)
}

func TestContinuousMotionRetriggersOnlyAfterCooldown(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(100, trigger+1)))
	h.tunables.Cooldown = time.Second
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Greater(t, len(events), 1)
	// Each episode takes settle + sampling (9 frames), then cooldown runs
	// from the end of sampling before the next trigger.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Time.Sub(events[i-1].Time), h.tunables.Cooldown)
	}
	s := h.last()
	assert.EqualValues(t, len(events), s.Counters.EpisodesStarted)
}

func TestScenarioQueueUnreachable(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(15, trigger+1), frames(30, 0), frames(15, trigger+1)))
	h.tunables.Cooldown = time.Second
	h.publisher.result = func(ev CaptureEvent) (Receipt, error) {
		return Receipt{ImagePath: ImagePath(ev.Time)}, errors.New("queue unreachable")
	}
	require.NoError(t, h.run(t))

	assert.Len(t, h.publisher.Events(), 2)
	s := h.last()
	assert.EqualValues(t, 2, s.Counters.EpisodesPublished, "stored images count as published")
	assert.EqualValues(t, 2, s.Counters.PublishErrors)
	assert.Equal(t, "queue unreachable", s.LastError)
	assert.NotEmpty(t, s.LastImagePath)
}

func TestStoreFailureDiscards(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(15, trigger+1)))
	h.publisher.result = func(CaptureEvent) (Receipt, error) {
		return Receipt{}, errors.New("disk full")
	}
	require.NoError(t, h.run(t))

	s := h.last()
	assert.Zero(t, s.Counters.EpisodesPublished)
	assert.EqualValues(t, 1, s.Counters.EpisodesDiscarded)
	assert.EqualValues(t, 1, s.Counters.PublishErrors)
	assert.Empty(t, s.LastImagePath)
}

func TestStarvedSamplingDiscardsWithoutPublishing(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(1, trigger+1), failures(40, errRetry), frames(3, 0)))
	require.NoError(t, h.run(t))

	assert.Empty(t, h.publisher.Events())
	s := h.last()
	assert.EqualValues(t, 1, s.Counters.EpisodesStarted)
	assert.EqualValues(t, 1, s.Counters.EpisodesDiscarded)
	assert.EqualValues(t, 40, s.Counters.FrameErrors)
	assert.Equal(t, "cooldown", s.State)
}

func TestRetryableErrorsSkipSlots(t *testing.T) {
	// Sampling starts at frame 10; every other frame fails, so five samples
	// take nine frames and finish before the deadline.
	var sampling []frameStep
	for i := 0; i < 10; i++ {
		if i%2 == 1 {
			sampling = append(sampling, frameStep{err: errRetry})
		} else {
			sampling = append(sampling, frameStep{area: trigger + 1})
		}
	}
	h := newHarness(5, script(frames(5, 0), frames(4, trigger+1), sampling, frames(3, 0)))
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].Metadata["candidates"])
}

func TestStalledSourceEndsSamplingAtDeadline(t *testing.T) {
	// Sampling starts at frame 10; the read after frame 11 hangs until the
	// sampling deadline cuts it off.
	h := newHarness(5, script(frames(5, 0), frames(10, trigger+1), frames(3, 0)))
	h.tunables.SampleDeadline = 200 * time.Millisecond
	h.scene.stallAt = 11
	h.scene.stallFor = 200 * time.Millisecond
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Metadata["candidates"])
	s := h.last()
	assert.EqualValues(t, 1, s.Counters.FrameErrors)
	assert.EqualValues(t, 1, s.Counters.EpisodesPublished)
}

func TestEncodeFailureDiscards(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(15, trigger+1)))
	h.encoder.err = errors.New("bad pixels")
	require.NoError(t, h.run(t))

	assert.Empty(t, h.publisher.Events())
	assert.EqualValues(t, 1, h.last().Counters.EpisodesDiscarded)
}

func TestPublishBacklogDropsEvents(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(15, trigger+1), frames(30, 0), frames(15, trigger+1)))
	h.tunables.Cooldown = time.Second
	h.inflight = 1
	h.publisher.block = make(chan struct{})
	h.scene.onEnd = func() { close(h.publisher.block) }
	require.NoError(t, h.run(t))

	assert.Len(t, h.publisher.Events(), 1)
	s := h.last()
	assert.EqualValues(t, 2, s.Counters.EpisodesStarted)
	assert.EqualValues(t, 1, s.Counters.EpisodesPublished)
	assert.EqualValues(t, 1, s.Counters.EpisodesDiscarded)
}

func TestShutdownAbandonsEpisode(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(3, trigger+1)))
	require.NoError(t, h.run(t))

	s := h.last()
	assert.EqualValues(t, 1, s.Counters.EpisodesDiscarded)
	assert.Zero(t, s.EpisodeID)
	assert.Empty(t, h.publisher.Events())
}

func TestTriggerAreaIsFixedAtCreation(t *testing.T) {
	steps := script(frames(5, 0), frames(1, trigger+7))
	for i := 0; i < 15; i++ {
		steps = append(steps, frameStep{area: trigger * (i + 2)})
	}
	h := newHarness(5, steps)
	require.NoError(t, h.run(t))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, trigger+7, events[0].MotionArea)
}

func TestStatusTracksEpisode(t *testing.T) {
	h := newHarness(5, script(frames(5, 0), frames(3, trigger+1)))
	var seen []string
	h.scene.onEnd = func() {
		s := h.last()
		seen = append(seen, s.State, s.EpisodeStatus)
	}
	require.NoError(t, h.run(t))
	assert.Equal(t, []string{"delaying", "pending"}, seen)

	th := h.last().Thresholds
	assert.Equal(t, trigger, th.TriggerArea)
	assert.Equal(t, 35.0, th.VarThreshold)
	assert.Equal(t, 175.0, th.BinaryThreshold)
	assert.Equal(t, 5, th.WarmupFrames)

	// Loads without a new frame are identical.
	assert.Same(t, h.status.Load(), h.status.Load())
}

func TestIllegalTransitionsPanic(t *testing.T) {
	m := NewMachine(MachineOptions{})
	assert.Panics(t, func() { m.transition(Sampling) })
	m.transition(Aborted)
	assert.Panics(t, func() { m.transition(Aborted) })

	ep := newEpisode(1, epoch, trigger, tunables())
	assert.Panics(t, func() { ep.setStatus(EpisodePublished) })
	ep.setStatus(EpisodeSampling)
	assert.True(t, ep.discard())
	assert.False(t, ep.discard())
	assert.Panics(t, func() { ep.setStatus(EpisodeSampling) })
}

func TestStateTransitionTable(t *testing.T) {
	cycle := []State{Idle, Triggered, Delaying, Sampling, Selecting, Publishing, Cooldown, Idle}
	for i := 0; i+1 < len(cycle); i++ {
		assert.True(t, cycle[i].CanTransition(cycle[i+1]), "%v -> %v", cycle[i], cycle[i+1])
		assert.True(t, cycle[i].CanTransition(Aborted))
	}
	assert.True(t, Selecting.CanTransition(Cooldown))
	assert.False(t, Sampling.CanTransition(Sampling))
	assert.False(t, Cooldown.CanTransition(Triggered))
	assert.False(t, Aborted.CanTransition(Idle))
}
