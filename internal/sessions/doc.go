// Package sessions owns one tracked page session per client: a viewport
// page, a dwell engine sampling it, and the configured tracking rules
// registered at session creation. Fired reports are flattened into dwell
// events and handed to the recorder.
package sessions
