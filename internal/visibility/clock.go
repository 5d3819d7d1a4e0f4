package visibility

import "time"

// Clock supplies the engine's notion of now. Production code uses the
// system clock; tests inject a manual one.
type Clock interface {
	Now() time.Time
}

// TimerHandle identifies an armed timer for cancellation. Its concrete type
// belongs to the Timers implementation.
type TimerHandle any

// Timers arms one-shot deferred callbacks. After must invoke fn on its own
// goroutine (or otherwise outside the caller's stack); Cancel is a no-op for
// handles that already fired.
type Timers interface {
	After(d time.Duration, fn func()) TimerHandle
	Cancel(h TimerHandle)
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemTimers returns a Timers backed by time.AfterFunc.
func SystemTimers() Timers { return systemTimers{} }

type systemTimers struct{}

func (systemTimers) After(d time.Duration, fn func()) TimerHandle {
	return time.AfterFunc(d, fn)
}

func (systemTimers) Cancel(h TimerHandle) {
	if t, ok := h.(*time.Timer); ok {
		t.Stop()
	}
}
