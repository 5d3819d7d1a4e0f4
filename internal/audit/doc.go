// Package audit is the async sink for fired dwell reports: a bounded queue
// drained by a small worker pool, rate-limited best-effort persistence, an
// in-memory history ring for the recent-events API, and event bus
// publication. Enqueueing never blocks an evaluation pass; overflow drops
// the event and says so on the bus.
package audit
