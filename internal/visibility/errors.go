package visibility

import "errors"

var (
	// ErrInvalidSpec rejects a structurally invalid condition at Track time:
	// inverted bounds, out-of-range percentages, or a finite max-time bound
	// without the unload acknowledgement. Never raised after registration.
	ErrInvalidSpec = errors.New("invalid visibility condition")

	// ErrClosed rejects Track on a service that has been closed.
	ErrClosed = errors.New("visibility service closed")
)

// errStreakClockStopped marks a listener whose state claims an in-window
// streak while the streak clock was never started. The listener is dropped
// and logged; the pass continues.
var errStreakClockStopped = errors.New("window exit with stopped streak clock")
