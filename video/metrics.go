package video

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdcam_frames_total",
		Help: "Frames run through the motion model.",
	})
	metricFrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birdcam_frame_errors_total",
		Help: "Frames that could not be read or processed, by kind.",
	}, []string{"kind"})
	metricEpisodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birdcam_episodes_total",
		Help: "Capture episodes, by outcome.",
	}, []string{"outcome"})
	metricPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdcam_publish_errors_total",
		Help: "Capture events that failed to store or enqueue.",
	})
	metricPublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdcam_publish_duration_seconds",
		Help:    "Time to store and enqueue a capture event.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})
	metricMotionArea = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_motion_area_pixels",
		Help: "Foreground area of the latest frame.",
	})
	metricReconnects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_camera_reconnects",
		Help: "Times the camera has been reopened.",
	})
	metricDrops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "birdcam_camera_dropped_frames",
		Help: "Frames skipped because a newer one arrived first.",
	})
)
