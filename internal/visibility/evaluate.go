package visibility

import "time"

// noWake means no finite re-check delay can advance the listener; only a
// viewport change or measurability signal can.
const noWake = time.Duration(-1)

// evaluateSample applies one visibility sample to a listener's state and
// reports whether the condition now holds. wake carries the minimal positive
// delay until an unmet time minimum could be crossed, or noWake.
//
// Transition ordering on window exit is load-bearing: the streak folds into
// maxContinuousTime before continuousTime resets.
func evaluateSample(st *listenerState, spec ConditionSpec, pct float64, now time.Time) (satisfied bool, wake time.Duration, err error) {
	sinceLoad := now.Sub(st.registered)
	if pct > 0 {
		if st.firstSeen == Unset {
			st.firstSeen = sinceLoad
		}
		st.lastSeen = sinceLoad
	}

	was := st.inViewport
	in := isInRange(pct, spec.MinVisiblePct, spec.MaxVisiblePct)

	switch {
	case !was && !in:
		return false, noWake, nil

	case was && !in:
		// Leaving the window.
		if !st.clockRunning {
			return false, noWake, errStreakClockStopped
		}
		elapsed := now.Sub(st.lastUpdate)
		if streak := st.continuousTime + elapsed; streak > st.maxContinuousTime {
			st.maxContinuousTime = streak
		}
		st.totalTime += elapsed
		st.continuousTime = 0
		st.clockRunning = false
		st.inViewport = false
		st.lastVisible = sinceLoad
		return false, noWake, nil
	}

	// Entering or continuing the window.
	var elapsed time.Duration
	if was {
		if !st.clockRunning {
			return false, noWake, errStreakClockStopped
		}
		elapsed = now.Sub(st.lastUpdate)
	} else if st.firstVisible == Unset {
		st.firstVisible = sinceLoad
	}

	st.lastUpdate = now
	st.clockRunning = true
	st.inViewport = true
	st.totalTime += elapsed
	st.continuousTime += elapsed
	if st.continuousTime > st.maxContinuousTime {
		st.maxContinuousTime = st.continuousTime
	}
	if pct < st.minPct {
		st.minPct = pct
	}
	if pct > st.maxPct {
		st.maxPct = pct
	}
	st.lastVisible = sinceLoad

	satisfied = within(st.totalTime, spec.MinTotalTime, spec.MaxTotalTime) &&
		within(st.continuousTime, spec.MinContinuousTime, spec.MaxContinuousTime)
	if satisfied {
		return true, noWake, nil
	}
	return false, nextWake(st, spec), nil
}

// nextWake computes the listener's wake hint. Finite only while the streak
// clock is accumulating; otherwise time alone cannot change the verdict.
func nextWake(st *listenerState, spec ConditionSpec) time.Duration {
	if !st.inViewport {
		return noWake
	}
	wake := noWake
	if spec.MinContinuousTime != nil {
		if d := *spec.MinContinuousTime - st.continuousTime; d > 0 && (wake == noWake || d < wake) {
			wake = d
		}
	}
	if spec.MinTotalTime != nil {
		if d := *spec.MinTotalTime - st.totalTime; d > 0 && (wake == noWake || d < wake) {
			wake = d
		}
	}
	return wake
}
