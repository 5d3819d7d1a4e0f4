// Package storage persists fired dwell events.
//
// It is an append-only event sink: engine state is never stored or restored
// from it. Backends: JSON Lines file or SQLite.
package storage
