package visibility

import (
	"fmt"
	"time"
)

// ConditionSpec declares when a tracked target's dwell condition fires.
// Every bound is optional; a nil pointer means "unconstrained on that axis".
// A spec with no bounds at all is satisfied by the very first sample taken,
// whatever the visible fraction.
//
// Percentage bounds select the visibility window. A sample v matches when
// v > min and v <= max: the lower bound is exclusive, the upper inclusive,
// so a 0%-visible sample never matches once any bound is present.
//
// Duration bounds constrain accumulated in-window time. The continuous pair
// applies to the current unbroken streak, the total pair to the cumulative
// sum across streaks.
type ConditionSpec struct {
	MinVisiblePct *float64 // exclusive, in [0,100]
	MaxVisiblePct *float64 // inclusive, in [0,100]

	MinContinuousTime *time.Duration
	MaxContinuousTime *time.Duration

	MinTotalTime *time.Duration
	MaxTotalTime *time.Duration

	// ReportOnUnload requests a final report with accumulated statistics
	// when the service closes before the condition fires. Mandatory when a
	// finite max-time bound is declared: such conditions can become
	// permanently unsatisfiable mid-flight and would otherwise never report.
	ReportOnUnload bool
}

// Pct returns a pointer to v, for optional percentage bounds.
func Pct(v float64) *float64 { return &v }

// Dur returns a pointer to d, for optional duration bounds.
func Dur(d time.Duration) *time.Duration { return &d }

// Validate checks the numeric-bound invariants. All failures wrap
// ErrInvalidSpec.
func (s ConditionSpec) Validate() error {
	if err := checkPct("MinVisiblePct", s.MinVisiblePct); err != nil {
		return err
	}
	if err := checkPct("MaxVisiblePct", s.MaxVisiblePct); err != nil {
		return err
	}
	if s.MinVisiblePct != nil && s.MaxVisiblePct != nil && *s.MinVisiblePct >= *s.MaxVisiblePct {
		return fmt.Errorf("%w: MinVisiblePct %v not below MaxVisiblePct %v",
			ErrInvalidSpec, *s.MinVisiblePct, *s.MaxVisiblePct)
	}
	if err := checkTimePair("ContinuousTime", s.MinContinuousTime, s.MaxContinuousTime); err != nil {
		return err
	}
	if err := checkTimePair("TotalTime", s.MinTotalTime, s.MaxTotalTime); err != nil {
		return err
	}
	if !s.ReportOnUnload && (s.MaxContinuousTime != nil || s.MaxTotalTime != nil) {
		return fmt.Errorf("%w: finite max-time bound requires ReportOnUnload", ErrInvalidSpec)
	}
	return nil
}

func checkPct(name string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 100 {
		return fmt.Errorf("%w: %s %v outside [0,100]", ErrInvalidSpec, name, *v)
	}
	return nil
}

func checkTimePair(name string, min, max *time.Duration) error {
	if min != nil && *min < 0 {
		return fmt.Errorf("%w: Min%s %s is negative", ErrInvalidSpec, name, *min)
	}
	if max != nil && *max < 0 {
		return fmt.Errorf("%w: Max%s %s is negative", ErrInvalidSpec, name, *max)
	}
	if min != nil && max != nil && *max < *min {
		return fmt.Errorf("%w: Max%s %s below Min%s %s", ErrInvalidSpec, name, *max, name, *min)
	}
	return nil
}

// isInRange reports whether a visible-fraction sample falls inside the
// percentage window. With both bounds absent every sample matches; otherwise
// the interval is half-open: v > min (default 0), v <= max (default 100).
func isInRange(v float64, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	lo, hi := 0.0, 100.0
	if min != nil {
		lo = *min
	}
	if max != nil {
		hi = *max
	}
	return v > lo && v <= hi
}

// within reports whether an accumulated duration sits inside the optional
// closed interval [min, max].
func within(v time.Duration, min, max *time.Duration) bool {
	if min != nil && v < *min {
		return false
	}
	if max != nil && v > *max {
		return false
	}
	return true
}
