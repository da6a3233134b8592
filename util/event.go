package util

import (
	"context"
	"sync"
)

// Event is a one-shot signal. Notifying more than once is a no-op and the
// first cause is kept.
type Event struct {
	once  sync.Once
	c     chan struct{}
	cause error
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (e *Event) Notify(cause error) {
	e.once.Do(func() {
		e.cause = cause
		close(e.c)
	})
}

// Done is closed once Notify has been called.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

// Wait blocks until the event fires or ctx is done. It returns the cause the
// event was notified with, or the context's error.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.c:
		return e.cause
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
