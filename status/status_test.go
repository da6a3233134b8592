package status

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderEmpty(t *testing.T) {
	var h Holder
	assert.Nil(t, h.Load())
}

func TestHolderConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	var h Holder
	h.Store(&Status{State: "idle"})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := h.Load()
				// Writer always stores MotionArea == Frames.
				assert.Equal(t, uint64(s.MotionArea), s.Counters.Frames)
			}
		}()
	}
	for i := 1; i <= 1000; i++ {
		h.Store(&Status{State: "idle", MotionArea: i, Counters: Counters{Frames: uint64(i)}})
	}
	wg.Wait()
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(&Status{State: "sampling", EpisodeID: 3, EpisodeStatus: "sampling", Ready: true})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "sampling", m["state"])
	assert.EqualValues(t, 3, m["episode_id"])
	assert.Contains(t, m, "counters")
	assert.NotContains(t, m, "last_error")
}
