// Package status holds the snapshot the capture loop publishes for readers
// on other goroutines.
package status

import (
	"sync/atomic"
	"time"
)

type Counters struct {
	Frames            uint64 `json:"frames"`
	FrameErrors       uint64 `json:"frame_errors"`
	InvalidFrames     uint64 `json:"invalid_frames"`
	EpisodesStarted   uint64 `json:"episodes_started"`
	EpisodesPublished uint64 `json:"episodes_published"`
	EpisodesDiscarded uint64 `json:"episodes_discarded"`
	PublishErrors     uint64 `json:"publish_errors"`
	Reconnects        uint64 `json:"reconnects"`
	Drops             uint64 `json:"dropped_frames"`
}

type Thresholds struct {
	TriggerArea    int     `json:"trigger_area"`
	CooldownSec    float64 `json:"cooldown_seconds"`
	SettleDelaySec float64 `json:"settle_delay_seconds"`
	SampleCount    int     `json:"sample_count"`
	SampleInterval float64 `json:"sample_interval_seconds"`
	SampleDeadline float64 `json:"sample_deadline_seconds"`

	VarThreshold    float64 `json:"var_threshold"`
	BinaryThreshold float64 `json:"binary_threshold"`
	WarmupFrames    int     `json:"warmup_frame_count"`
}

// Status is an immutable snapshot of the capture loop. A stored Status must
// never be modified; build a new one instead.
type Status struct {
	State         string     `json:"state"`
	EpisodeID     uint64     `json:"episode_id,omitempty"`
	EpisodeStatus string     `json:"episode_status,omitempty"`
	Ready         bool       `json:"ready"`
	Connected     bool       `json:"camera_connected"`
	Source        string     `json:"source"`
	LastFrame     time.Time  `json:"last_frame_time"`
	MotionArea    int        `json:"motion_area"`
	Thresholds    Thresholds `json:"thresholds"`
	Counters      Counters   `json:"counters"`

	LastEventID   string `json:"last_event_id,omitempty"`
	LastImagePath string `json:"last_image_path,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	Brightness float64 `json:"brightness"`
	LowLight   bool    `json:"low_light"`

	Started time.Time `json:"started"`
	Updated time.Time `json:"updated"`
}

// Holder is a single-slot exchange between one writer and any number of
// readers. Readers always see a complete snapshot.
type Holder struct {
	p atomic.Pointer[Status]
}

func (h *Holder) Store(s *Status) {
	h.p.Store(s)
}

// Load returns the latest snapshot, or nil if none was stored yet.
func (h *Holder) Load() *Status {
	return h.p.Load()
}
