package visibility

import (
	"errors"
	"testing"
	"time"
)

func TestInRangeBoundaryLaw(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		v        float64
		min, max *float64
		want     bool
	}{
		{"both absent zero", 0, nil, nil, true},
		{"both absent full", 100, nil, nil, true},
		{"equal to min excluded", 40, Pct(40), Pct(60), false},
		{"just above min", 40.01, Pct(40), Pct(60), true},
		{"equal to max included", 60, Pct(40), Pct(60), true},
		{"above max", 60.01, Pct(40), Pct(60), false},
		{"only max zero sample", 0, nil, Pct(80), false},
		{"only max positive sample", 0.5, nil, Pct(80), true},
		{"explicit zero min excludes zero", 0, Pct(0), nil, false},
		{"only min upper default", 100, Pct(50), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInRange(tt.v, tt.min, tt.max); got != tt.want {
				t.Fatalf("isInRange(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestEvaluateEntryAfterInvisibleSamples(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinVisiblePct: Pct(50)}

	for i, at := range []time.Duration{0, 20 * time.Millisecond} {
		sat, wake, err := evaluateSample(st, spec, 0, t0.Add(at))
		if err != nil || sat {
			t.Fatalf("sample %d: satisfied=%v err=%v, want idle", i, sat, err)
		}
		if wake != noWake {
			t.Fatalf("sample %d: wake = %s, want none", i, wake)
		}
		if st.firstSeen != Unset {
			t.Fatalf("sample %d: firstSeen = %s, want unset", i, st.firstSeen)
		}
	}

	sat, _, err := evaluateSample(st, spec, 60, t0.Add(40*time.Millisecond))
	if err != nil {
		t.Fatalf("third sample: %v", err)
	}
	if !sat {
		t.Fatalf("third sample should satisfy a percentage-only condition on entry")
	}
	if st.firstSeen != 40*time.Millisecond || st.firstVisible != 40*time.Millisecond {
		t.Fatalf("stamps = seen %s visible %s, want 40ms both", st.firstSeen, st.firstVisible)
	}
	if st.continuousTime != 0 {
		t.Fatalf("continuousTime = %s at entry, want 0", st.continuousTime)
	}
}

func TestEvaluateContinuousThreshold(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinContinuousTime: Dur(time.Second)}

	sat, wake, err := evaluateSample(st, spec, 100, t0)
	if err != nil || sat {
		t.Fatalf("entry: satisfied=%v err=%v, want pending", sat, err)
	}
	if wake != time.Second {
		t.Fatalf("entry wake = %s, want 1s", wake)
	}

	sat, _, err = evaluateSample(st, spec, 100, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("threshold sample: %v", err)
	}
	if !sat {
		t.Fatalf("continuous streak of 1s should satisfy")
	}
	if st.maxContinuousTime != time.Second {
		t.Fatalf("maxContinuousTime = %s, want 1s", st.maxContinuousTime)
	}
}

func TestEvaluateTotalAccumulatesAcrossStreaks(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinTotalTime: Dur(800 * time.Millisecond)}

	if sat, _, err := evaluateSample(st, spec, 100, t0); sat || err != nil {
		t.Fatalf("entry: satisfied=%v err=%v", sat, err)
	}
	if sat, _, err := evaluateSample(st, spec, 0, t0.Add(500*time.Millisecond)); sat || err != nil {
		t.Fatalf("exit: satisfied=%v err=%v", sat, err)
	}
	if st.totalTime != 500*time.Millisecond {
		t.Fatalf("totalTime after first streak = %s, want 500ms", st.totalTime)
	}
	if st.continuousTime != 0 || st.clockRunning {
		t.Fatalf("streak not reset: continuous=%s clockRunning=%v", st.continuousTime, st.clockRunning)
	}

	sat, wake, err := evaluateSample(st, spec, 100, t0.Add(700*time.Millisecond))
	if sat || err != nil {
		t.Fatalf("re-entry: satisfied=%v err=%v", sat, err)
	}
	if wake != 300*time.Millisecond {
		t.Fatalf("re-entry wake = %s, want 300ms", wake)
	}

	sat, _, err = evaluateSample(st, spec, 100, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("final sample: %v", err)
	}
	if !sat {
		t.Fatalf("cumulative 800ms should satisfy")
	}
	if st.totalTime != 800*time.Millisecond {
		t.Fatalf("totalTime = %s, want 800ms", st.totalTime)
	}
	if st.maxContinuousTime != 500*time.Millisecond {
		t.Fatalf("maxContinuousTime = %s, want 500ms", st.maxContinuousTime)
	}
}

func TestEvaluateExitFoldsStreakBeforeReset(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinVisiblePct: Pct(10), MinContinuousTime: Dur(time.Hour)}

	mustEvaluate(t, st, spec, 100, t0)
	mustEvaluate(t, st, spec, 70, t0.Add(300*time.Millisecond))
	mustEvaluate(t, st, spec, 0, t0.Add(500*time.Millisecond))

	if st.maxContinuousTime != 500*time.Millisecond {
		t.Fatalf("maxContinuousTime = %s, want 500ms", st.maxContinuousTime)
	}
	if st.totalTime != 500*time.Millisecond {
		t.Fatalf("totalTime = %s, want 500ms", st.totalTime)
	}
	if st.lastVisible != 500*time.Millisecond {
		t.Fatalf("lastVisible = %s, want 500ms", st.lastVisible)
	}
	if st.minPct != 70 || st.maxPct != 100 {
		t.Fatalf("extrema = [%v, %v], want [70, 100]", st.minPct, st.maxPct)
	}
}

func TestEvaluateIdempotentOnRepeatedSample(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinContinuousTime: Dur(time.Minute)}

	now := t0.Add(250 * time.Millisecond)
	mustEvaluate(t, st, spec, 80, t0)
	mustEvaluate(t, st, spec, 80, now)
	total, cont := st.totalTime, st.continuousTime

	mustEvaluate(t, st, spec, 80, now)
	if st.totalTime != total || st.continuousTime != cont {
		t.Fatalf("zero-elapsed step changed time: total %s->%s continuous %s->%s",
			total, st.totalTime, cont, st.continuousTime)
	}

	mustEvaluate(t, st, spec, 5, now)
	if st.minPct != 5 {
		t.Fatalf("extrema ignored repeated sample: minPct = %v, want 5", st.minPct)
	}
	if st.totalTime != total {
		t.Fatalf("zero-elapsed step changed totalTime to %s", st.totalTime)
	}
}

func TestEvaluateMonotonicProperties(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	spec := ConditionSpec{MinVisiblePct: Pct(25), MinTotalTime: Dur(time.Hour)}

	samples := []struct {
		at  time.Duration
		pct float64
	}{
		{0, 0}, {40 * time.Millisecond, 60}, {90 * time.Millisecond, 80},
		{200 * time.Millisecond, 10}, {350 * time.Millisecond, 50},
		{500 * time.Millisecond, 50}, {810 * time.Millisecond, 0},
		{900 * time.Millisecond, 99}, {1400 * time.Millisecond, 30},
	}
	var prevTotal, prevMax time.Duration
	for i, smp := range samples {
		if _, _, err := evaluateSample(st, spec, smp.pct, t0.Add(smp.at)); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if st.totalTime < prevTotal {
			t.Fatalf("sample %d: totalTime decreased %s -> %s", i, prevTotal, st.totalTime)
		}
		if st.totalTime > smp.at {
			t.Fatalf("sample %d: totalTime %s exceeds elapsed %s", i, st.totalTime, smp.at)
		}
		if st.maxContinuousTime < st.continuousTime {
			t.Fatalf("sample %d: maxContinuous %s < continuous %s", i, st.maxContinuousTime, st.continuousTime)
		}
		if st.maxContinuousTime < prevMax {
			t.Fatalf("sample %d: maxContinuous decreased %s -> %s", i, prevMax, st.maxContinuousTime)
		}
		prevTotal, prevMax = st.totalTime, st.maxContinuousTime
	}
}

func TestEvaluateExitWithStoppedClockFails(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)
	st.inViewport = true // claims a streak that never started

	_, _, err := evaluateSample(st, ConditionSpec{MinVisiblePct: Pct(50)}, 0, t0.Add(time.Second))
	if !errors.Is(err, errStreakClockStopped) {
		t.Fatalf("err = %v, want streak clock violation", err)
	}
}

func TestReportStripsInternalsAndMapsSentinels(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1700000000, 0)
	st := newListenerState(t0)

	r := st.report()
	if r.FirstSeenTime != Unset || r.FirstVisibleTime != Unset {
		t.Fatalf("fresh report stamps = %s/%s, want unset", r.FirstSeenTime, r.FirstVisibleTime)
	}
	if r.MinVisiblePercentage != -1 || r.MaxVisiblePercentage != -1 {
		t.Fatalf("fresh extrema = [%v, %v], want [-1, -1]", r.MinVisiblePercentage, r.MaxVisiblePercentage)
	}

	mustEvaluate(t, st, ConditionSpec{MinVisiblePct: Pct(10)}, 55, t0.Add(time.Second))
	r = st.report()
	if r.MinVisiblePercentage != 55 || r.MaxVisiblePercentage != 55 {
		t.Fatalf("extrema = [%v, %v], want [55, 55]", r.MinVisiblePercentage, r.MaxVisiblePercentage)
	}
	if r.FirstSeenTime != time.Second || r.LastVisibleTime != time.Second {
		t.Fatalf("stamps = %s/%s, want 1s", r.FirstSeenTime, r.LastVisibleTime)
	}
}

func mustEvaluate(t *testing.T, st *listenerState, spec ConditionSpec, pct float64, now time.Time) {
	t.Helper()
	if _, _, err := evaluateSample(st, spec, pct, now); err != nil {
		t.Fatalf("evaluateSample(%v): %v", pct, err)
	}
}
