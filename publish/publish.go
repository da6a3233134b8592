// Package publish stores capture events and announces them on a queue for
// downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"birdcam/video"
)

// Store persists the image bytes of an event.
type Store interface {
	Save(ctx context.Context, ev video.CaptureEvent) (video.Receipt, error)
}

// Queue delivers serialized messages in FIFO order.
type Queue interface {
	Push(ctx context.Context, msg []byte) error
	Close() error
}

// Message is what consumers receive. Paths are relative to the image store
// root.
type Message struct {
	EventID       string         `json:"event_id"`
	ImagePath     string         `json:"image_path"`
	ThumbnailPath string         `json:"thumbnail_path,omitempty"`
	Timestamp     string         `json:"timestamp"`
	MotionArea    int            `json:"motion_area"`
	EpisodeID     uint64         `json:"episode_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func NewMessage(ev video.CaptureEvent, r video.Receipt) Message {
	return Message{
		EventID:       ev.ID,
		ImagePath:     r.ImagePath,
		ThumbnailPath: r.ThumbnailPath,
		Timestamp:     ev.Time.UTC().Format(time.RFC3339Nano),
		MotionArea:    ev.MotionArea,
		EpisodeID:     ev.EpisodeID,
		Metadata:      ev.Metadata,
	}
}

// Publisher writes the image first and only then enqueues a message pointing
// at it, so a consumer never sees a message for a missing file.
type Publisher struct {
	store Store
	queue Queue

	// Each step gets its own budget.
	timeout time.Duration
}

func New(store Store, queue Queue, timeout time.Duration) *Publisher {
	if queue == nil {
		queue = NopQueue{}
	}
	return &Publisher{
		store:   store,
		queue:   queue,
		timeout: timeout,
	}
}

func (p *Publisher) Publish(ctx context.Context, ev video.CaptureEvent) (video.Receipt, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	r, err := p.store.Save(sctx, ev)
	cancel()
	if err != nil {
		return video.Receipt{}, fmt.Errorf("store image: %w", err)
	}

	body, err := json.Marshal(NewMessage(ev, r))
	if err != nil {
		return r, fmt.Errorf("encode message: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.queue.Push(qctx, body); err != nil {
		return r, fmt.Errorf("enqueue: %w", err)
	}
	log.WithField("event", ev.ID).Debugf("Enqueued %s", r.ImagePath)
	return r, nil
}

func (p *Publisher) Close() error {
	return p.queue.Close()
}

// NopQueue drops messages, for running without a downstream consumer.
type NopQueue struct{}

func (NopQueue) Push(context.Context, []byte) error { return nil }
func (NopQueue) Close() error                       { return nil }
