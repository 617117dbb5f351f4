package poller

import (
	"fmt"
	"math"
)

// DefaultStallThreshold is the number of consecutive non-advancing ticks
// after which a stall is reported.
const DefaultStallThreshold = 3

// StallEvent describes a persistent stall.
type StallEvent struct {
	SimTime float64
	Streak  int
	Total   int
}

func (e StallEvent) String() string {
	return fmt.Sprintf("simulation time stuck at %.2f for %d ticks", e.SimTime, e.Streak)
}

// StallTracker counts consecutive ticks on which simulation time failed to
// advance. It is not safe for concurrent use; the loop owns it.
type StallTracker struct {
	threshold int

	last   float64
	primed bool
	streak int
	total  int
}

// NewStallTracker creates a tracker reporting at threshold consecutive
// stalled ticks.
func NewStallTracker(threshold int) *StallTracker {
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &StallTracker{threshold: threshold, last: math.Inf(-1)}
}

// Observe records the simulation time reached by a tick. It returns a
// StallEvent and true on the tick where the streak reaches the threshold.
// Without Prime, the first observation only sets the baseline.
func (st *StallTracker) Observe(now float64) (StallEvent, bool) {
	if !st.primed {
		st.primed = true
		st.last = now
		return StallEvent{}, false
	}
	if now > st.last {
		st.last = now
		st.streak = 0
		return StallEvent{}, false
	}
	st.streak++
	if st.streak == st.threshold {
		st.total++
		return StallEvent{SimTime: now, Streak: st.streak, Total: st.total}, true
	}
	return StallEvent{}, false
}

// Prime sets the baseline to now without counting a tick.
func (st *StallTracker) Prime(now float64) {
	st.primed = true
	st.last = now
	st.streak = 0
}

// Streak returns the current number of consecutive stalled ticks.
func (st *StallTracker) Streak() int { return st.streak }

// Total returns how many persistent stalls have been reported.
func (st *StallTracker) Total() int { return st.total }

// Reset clears the baseline and streak, keeping the total.
func (st *StallTracker) Reset() {
	st.primed = false
	st.last = math.Inf(-1)
	st.streak = 0
}
