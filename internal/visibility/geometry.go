package visibility

// Target identifies a tracked element within the geometry provider.
type Target string

// Geometry supplies visibility measurements for targets.
//
// VisibleFraction reports the percentage of the target's bounding area
// currently intersecting the viewport, in [0,100]. Measurable reports
// whether a sample can be taken at all (the target completed initial
// layout). OnMeasurable registers a one-shot signal for the moment the
// target first becomes measurable; implementations must not invoke fn
// synchronously from the registration call.
type Geometry interface {
	VisibleFraction(t Target) float64
	Measurable(t Target) bool
	OnMeasurable(t Target, fn func())
}

// ChangeSource delivers viewport-change notifications (scroll, resize,
// layout). Delivery cadence and coalescing are the source's concern; fn
// must not be invoked synchronously from the registration call.
type ChangeSource interface {
	OnViewportChanged(fn func())
}
