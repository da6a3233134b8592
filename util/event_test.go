package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventKeepsFirstCause(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.HasBeenNotified())

	first := errors.New("first")
	go e.Notify(first)
	assert.Equal(t, first, e.Wait(context.Background()))

	e.Notify(errors.New("second"))
	assert.True(t, e.HasBeenNotified())
	assert.Equal(t, first, e.Wait(context.Background()))
}

func TestEventWaitHonorsContext(t *testing.T) {
	e := NewEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestEventDoneClosesOnNotify(t *testing.T) {
	e := NewEvent()
	select {
	case <-e.Done():
		t.Fatal("done before notify")
	default:
	}

	e.Notify(nil)
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after notify")
	}
	assert.NoError(t, e.Wait(context.Background()))
}
