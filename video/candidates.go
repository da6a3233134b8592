package video

import (
	"birdcam/video/source"
)

// Candidate is a frame sampled during an episode, with its sharpness.
type Candidate struct {
	Frame     source.Frame
	Sharpness float64
}

// CandidateSet holds up to a fixed number of candidates in the order they
// were sampled.
type CandidateSet struct {
	max   int
	items []Candidate
}

func NewCandidateSet(max int) *CandidateSet {
	return &CandidateSet{
		max:   max,
		items: make([]Candidate, 0, max),
	}
}

// Add appends c unless the set is full, and reports whether it was added.
func (s *CandidateSet) Add(c Candidate) bool {
	if s.Full() {
		return false
	}
	s.items = append(s.items, c)
	return true
}

func (s *CandidateSet) Len() int   { return len(s.items) }
func (s *CandidateSet) Full() bool { return len(s.items) >= s.max }

// Best returns the sharpest candidate. Ties go to the latest frame.
func (s *CandidateSet) Best() (Candidate, bool) {
	if len(s.items) == 0 {
		return Candidate{}, false
	}
	best := s.items[0]
	for _, c := range s.items[1:] {
		if c.Sharpness > best.Sharpness ||
			(c.Sharpness == best.Sharpness && !c.Frame.Time.Before(best.Frame.Time)) {
			best = c
		}
	}
	return best, true
}
