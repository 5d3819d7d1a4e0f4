package visibility

import (
	"math"
	"time"
)

// Unset marks a Report duration field that was never observed. Percentage
// extrema use plain -1 for the same purpose.
const Unset = time.Duration(-1)

// Report is the read-only snapshot handed to a callback when its condition
// fires (or at unload, for listeners that asked). All durations are relative
// to registration time; percentages are in [0,100]. Fields that were never
// observed hold Unset / -1.
type Report struct {
	MaxContinuousTime    time.Duration
	TotalVisibleTime     time.Duration
	FirstSeenTime        time.Duration
	LastSeenTime         time.Duration
	FirstVisibleTime     time.Duration
	LastVisibleTime      time.Duration
	MinVisiblePercentage float64
	MaxVisiblePercentage float64
}

// listenerState is the mutable per-listener record. Streak bookkeeping
// (continuousTime, lastUpdate, inViewport) is internal and stripped from
// reports.
//
// lastUpdate is meaningful only while clockRunning; leaving the window stops
// the clock after folding the streak, and continuousTime resets exactly
// then.
type listenerState struct {
	registered time.Time

	firstSeen    time.Duration // first sample with fraction > 0
	lastSeen     time.Duration
	firstVisible time.Duration // first sample inside the percentage window
	lastVisible  time.Duration

	inViewport   bool
	clockRunning bool
	lastUpdate   time.Time

	continuousTime    time.Duration
	maxContinuousTime time.Duration
	totalTime         time.Duration

	minPct float64 // +Inf until the first in-window sample folds in
	maxPct float64 // -Inf likewise
}

func newListenerState(now time.Time) *listenerState {
	return &listenerState{
		registered:   now,
		firstSeen:    Unset,
		lastSeen:     Unset,
		firstVisible: Unset,
		lastVisible:  Unset,
		minPct:       math.Inf(1),
		maxPct:       math.Inf(-1),
	}
}

// report projects the public fields, mapping never-folded extrema to -1.
func (st *listenerState) report() Report {
	r := Report{
		MaxContinuousTime:    st.maxContinuousTime,
		TotalVisibleTime:     st.totalTime,
		FirstSeenTime:        st.firstSeen,
		LastSeenTime:         st.lastSeen,
		FirstVisibleTime:     st.firstVisible,
		LastVisibleTime:      st.lastVisible,
		MinVisiblePercentage: st.minPct,
		MaxVisiblePercentage: st.maxPct,
	}
	if math.IsInf(r.MinVisiblePercentage, 1) {
		r.MinVisiblePercentage = -1
	}
	if math.IsInf(r.MaxVisiblePercentage, -1) {
		r.MaxVisiblePercentage = -1
	}
	return r
}

// closeOut folds an in-flight streak into the totals so an unload report
// covers time up to the close instant. No-op when the clock is stopped.
func (st *listenerState) closeOut(now time.Time) {
	if !st.clockRunning {
		return
	}
	elapsed := now.Sub(st.lastUpdate)
	if streak := st.continuousTime + elapsed; streak > st.maxContinuousTime {
		st.maxContinuousTime = streak
	}
	st.totalTime += elapsed
	st.continuousTime = 0
	st.clockRunning = false
	st.inViewport = false
	st.lastVisible = now.Sub(st.registered)
}
