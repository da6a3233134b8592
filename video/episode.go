package video

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"birdcam/config"
)

// State is the capture machine's state.
type State int

const (
	Idle State = iota
	Triggered
	Delaying
	Sampling
	Selecting
	Publishing
	Cooldown
	Aborted
)

var stateNames = [...]string{
	Idle:       "idle",
	Triggered:  "triggered",
	Delaying:   "delaying",
	Sampling:   "sampling",
	Selecting:  "selecting",
	Publishing: "publishing",
	Cooldown:   "cooldown",
	Aborted:    "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Every state may also move to Aborted, except Aborted itself.
var transitions = map[State][]State{
	Idle:       {Triggered},
	Triggered:  {Delaying},
	Delaying:   {Sampling},
	Sampling:   {Selecting},
	Selecting:  {Publishing, Cooldown},
	Publishing: {Cooldown},
	Cooldown:   {Idle},
}

func (s State) CanTransition(to State) bool {
	if to == Aborted {
		return s != Aborted
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EpisodeStatus is the lifecycle of a single episode.
type EpisodeStatus int

const (
	EpisodePending EpisodeStatus = iota
	EpisodeSampling
	EpisodeSelected
	EpisodePublished
	EpisodeDiscarded
)

var episodeStatusNames = [...]string{
	EpisodePending:   "pending",
	EpisodeSampling:  "sampling",
	EpisodeSelected:  "selected",
	EpisodePublished: "published",
	EpisodeDiscarded: "discarded",
}

func (s EpisodeStatus) String() string {
	if s < 0 || int(s) >= len(episodeStatusNames) {
		return fmt.Sprintf("EpisodeStatus(%d)", int(s))
	}
	return episodeStatusNames[s]
}

// Terminal statuses are never left.
func (s EpisodeStatus) Terminal() bool {
	return s == EpisodePublished || s == EpisodeDiscarded
}

var episodeTransitions = map[EpisodeStatus][]EpisodeStatus{
	EpisodePending:  {EpisodeSampling, EpisodeDiscarded},
	EpisodeSampling: {EpisodeSelected, EpisodeDiscarded},
	EpisodeSelected: {EpisodePublished, EpisodeDiscarded},
}

// Episode is one detected visit, from trigger to publish or discard.
type Episode struct {
	ID    uint64
	Start time.Time
	// TriggerArea is the motion area that started the episode.
	TriggerArea int
	Status      EpisodeStatus
	// Tunables in force when the episode started. Reloads don't affect a
	// running episode.
	Tunables config.Tunables

	sampleStart time.Time
	nextSample  time.Time
	candidates  *CandidateSet
}

func newEpisode(id uint64, start time.Time, area int, t config.Tunables) *Episode {
	return &Episode{
		ID:          id,
		Start:       start,
		TriggerArea: area,
		Status:      EpisodePending,
		Tunables:    t,
		candidates:  NewCandidateSet(t.SampleCount),
	}
}

func (e *Episode) setStatus(to EpisodeStatus) {
	for _, next := range episodeTransitions[e.Status] {
		if next == to {
			e.Status = to
			return
		}
	}
	log.Panicf("Illegal episode %d transition %v -> %v", e.ID, e.Status, to)
}

// discard moves a non-terminal episode to Discarded and drops its
// candidates. It reports whether anything changed.
func (e *Episode) discard() bool {
	if e.Status.Terminal() {
		return false
	}
	e.setStatus(EpisodeDiscarded)
	e.candidates = nil
	return true
}

func (e *Episode) log() *log.Entry {
	return log.WithField("episode", e.ID)
}
