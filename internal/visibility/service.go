package visibility

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"dwelltrack/pkg/logx"
)

// initialRecheckDelay coalesces a burst of near-simultaneous registrations
// into a single first evaluation pass.
const initialRecheckDelay = 100 * time.Millisecond

// Pass triggers, for debug logs.
const (
	triggerViewport   = "viewport"
	triggerTimer      = "timer"
	triggerMeasurable = "measurable"
)

// Deps are the collaborators injected into a Service. Geometry and Changes
// are required; Timers and Clock default to the system implementations.
type Deps struct {
	Geometry Geometry
	Changes  ChangeSource
	Timers   Timers
	Clock    Clock
	Log      logx.Logger
}

// Callback receives the one-shot dwell report. It runs inside the evaluation
// pass that fired it and must not call back into the Service.
type Callback func(Report)

type listener struct {
	id    string
	spec  ConditionSpec
	fire  Callback
	state *listenerState
}

type targetEntry struct {
	target    Target
	listeners []*listener
}

// Service owns the active targets and their listeners, runs evaluation
// passes, and keeps at most one deferred re-check timer and one
// measurability wait outstanding.
//
// Passes are serialized by mu: a pass, including every callback it fires,
// completes before the next trigger is handled.
type Service struct {
	geo     Geometry
	changes ChangeSource
	timers  Timers
	clock   Clock
	log     logx.Logger

	mu       sync.Mutex
	entries  []*targetEntry
	byTarget map[Target]*targetEntry

	subscribed bool
	closed     bool

	timerHandle   TimerHandle
	timerDeadline time.Time
	timerGen      uint64 // bumped on every arm/disarm so stale fires no-op

	measWait bool

	passes  uint64
	fired   uint64
	flushed uint64
	dropped uint64
}

// New builds a Service around the given collaborators.
func New(deps Deps) (*Service, error) {
	if deps.Geometry == nil {
		return nil, errors.New("visibility: geometry provider is required")
	}
	if deps.Changes == nil {
		return nil, errors.New("visibility: change source is required")
	}
	if deps.Timers == nil {
		deps.Timers = SystemTimers()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	return &Service{
		geo:      deps.Geometry,
		changes:  deps.Changes,
		timers:   deps.Timers,
		clock:    deps.Clock,
		log:      deps.Log,
		byTarget: map[Target]*targetEntry{},
	}, nil
}

// Track registers a dwell condition for target. spec is validated
// synchronously; a rejected spec leaves no trace. The first ever Track
// subscribes the service to viewport-change notifications.
func (s *Service) Track(target Target, spec ConditionSpec, fire Callback) error {
	if target == "" {
		return errors.New("tracking target required")
	}
	if fire == nil {
		return errors.New("tracking callback required")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e := s.byTarget[target]
	if e == nil {
		e = &targetEntry{target: target}
		s.byTarget[target] = e
		s.entries = append(s.entries, e)
	}
	l := &listener{
		id:    uuid.NewString(),
		spec:  spec,
		fire:  fire,
		state: newListenerState(s.clock.Now()),
	}
	e.listeners = append(e.listeners, l)

	if !s.subscribed {
		s.subscribed = true
		s.changes.OnViewportChanged(s.viewportChanged)
	}
	s.scheduleInitialLocked()
	s.log.Debug("tracking registered",
		logx.String("target", string(target)),
		logx.String("listener", l.id))
	return nil
}

// Close disarms scheduling, flushes unload reports for listeners that asked
// for them, and releases all targets. Further Track calls fail with
// ErrClosed; stale timer fires and signals are ignored.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.disarmTimerLocked()
	s.measWait = false

	now := s.clock.Now()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		for j := len(e.listeners) - 1; j >= 0; j-- {
			l := e.listeners[j]
			if !l.spec.ReportOnUnload {
				continue
			}
			l.state.closeOut(now)
			s.flushed++
			l.fire(l.state.report())
		}
	}
	s.entries = nil
	s.byTarget = map[Target]*targetEntry{}
	s.log.Debug("visibility service closed", logx.Uint64("flushed", s.flushed))
}

// Snapshot reports operational counters for health endpoints and logs.
type Snapshot struct {
	Targets         int       `json:"targets"`
	Listeners       int       `json:"listeners"`
	AwaitingMeasure int       `json:"awaiting_measure"`
	TimerArmed      bool      `json:"timer_armed"`
	NextCheck       time.Time `json:"next_check,omitzero"`
	MeasWait        bool      `json:"measurability_wait"`
	Passes          uint64    `json:"passes"`
	Fired           uint64    `json:"fired"`
	Flushed         uint64    `json:"flushed"`
	Dropped         uint64    `json:"dropped"`
	Closed          bool      `json:"closed"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Targets:    len(s.entries),
		TimerArmed: s.timerHandle != nil,
		MeasWait:   s.measWait,
		Passes:     s.passes,
		Fired:      s.fired,
		Flushed:    s.flushed,
		Dropped:    s.dropped,
		Closed:     s.closed,
	}
	if s.timerHandle != nil {
		snap.NextCheck = s.timerDeadline
	}
	for _, e := range s.entries {
		snap.Listeners += len(e.listeners)
		if !s.geo.Measurable(e.target) {
			snap.AwaitingMeasure++
		}
	}
	return snap
}

func (s *Service) viewportChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.runPassLocked(triggerViewport)
}

func (s *Service) timerFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.timerGen {
		return
	}
	s.timerHandle = nil
	s.runPassLocked(triggerTimer)
}

// measurableNow handles every one-shot measurability signal. Only the first
// signal per outstanding wait triggers a pass; the pass itself re-arms a
// wait if unmeasurable targets remain.
func (s *Service) measurableNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.measWait {
		return
	}
	s.measWait = false
	s.runPassLocked(triggerMeasurable)
}

// runPassLocked is the single evaluation pass. Entries and per-target
// listeners are walked in reverse registration order so removals stay
// index-stable mid-iteration.
func (s *Service) runPassLocked(trigger string) {
	now := s.clock.Now()
	s.passes++

	minWake := noWake
	var awaiting []Target

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !s.geo.Measurable(e.target) {
			awaiting = append(awaiting, e.target)
			continue
		}
		pct := clampPct(s.geo.VisibleFraction(e.target))
		for j := len(e.listeners) - 1; j >= 0; j-- {
			l := e.listeners[j]
			satisfied, wake, err := evaluateSample(l.state, l.spec, pct, now)
			if err != nil {
				e.listeners = append(e.listeners[:j], e.listeners[j+1:]...)
				s.dropped++
				s.log.Error("listener dropped",
					logx.Err(err),
					logx.String("target", string(e.target)),
					logx.String("listener", l.id))
				continue
			}
			if satisfied {
				e.listeners = append(e.listeners[:j], e.listeners[j+1:]...)
				s.fired++
				rpt := l.state.report()
				s.log.Debug("dwell condition met",
					logx.String("target", string(e.target)),
					logx.String("listener", l.id),
					logx.Duration("total_visible", rpt.TotalVisibleTime),
					logx.Duration("max_continuous", rpt.MaxContinuousTime))
				l.fire(rpt)
				continue
			}
			if wake != noWake && (minWake == noWake || wake < minWake) {
				minWake = wake
			}
		}
		if len(e.listeners) == 0 {
			delete(s.byTarget, e.target)
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
		}
	}

	if minWake != noWake {
		s.armTimerLocked(minWake, now)
	} else {
		s.disarmTimerLocked()
	}
	if len(awaiting) > 0 && !s.measWait {
		s.measWait = true
		for _, t := range awaiting {
			s.geo.OnMeasurable(t, s.measurableNow)
		}
	}

	s.log.Trace("evaluation pass",
		logx.String("trigger", trigger),
		logx.Int("targets", len(s.entries)),
		logx.Int("awaiting", len(awaiting)),
		logx.Duration("next_wake", minWake))
}

// scheduleInitialLocked arms the registration coalescing delay, keeping any
// already-armed earlier deadline.
func (s *Service) scheduleInitialLocked() {
	now := s.clock.Now()
	if s.timerHandle != nil && s.timerDeadline.Sub(now) <= initialRecheckDelay {
		return
	}
	s.armTimerLocked(initialRecheckDelay, now)
}

// armTimerLocked cancels any pending timer and arms a fresh one. The
// generation bump invalidates fires from the cancelled handle that are
// already in flight.
func (s *Service) armTimerLocked(d time.Duration, now time.Time) {
	if s.timerHandle != nil {
		s.timers.Cancel(s.timerHandle)
		s.timerHandle = nil
	}
	if d < 0 {
		d = 0
	}
	s.timerGen++
	gen := s.timerGen
	s.timerDeadline = now.Add(d)
	s.timerHandle = s.timers.After(d, func() { s.timerFired(gen) })
}

func (s *Service) disarmTimerLocked() {
	if s.timerHandle == nil {
		return
	}
	s.timers.Cancel(s.timerHandle)
	s.timerHandle = nil
	s.timerGen++
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
