package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Dwell event causes.
const (
	CauseSatisfied = "satisfied" // condition held during a pass
	CauseUnload    = "unload"    // flushed when the session closed
)

// DwellEvent is one fired dwell report flattened for persistence.
// Durations are milliseconds; -1 keeps the "never observed" marker.
// Keep it compact and schema-stable.
type DwellEvent struct {
	At       time.Time `json:"at"`
	Session  string    `json:"session"`
	Element  string    `json:"element"`
	Rule     string    `json:"rule,omitempty"`
	Listener string    `json:"listener,omitempty"`
	URL      string    `json:"url,omitempty"`
	Cause    string    `json:"cause"`

	MaxContinuousMS int64   `json:"max_continuous_ms"`
	TotalVisibleMS  int64   `json:"total_visible_ms"`
	FirstSeenMS     int64   `json:"first_seen_ms"`
	LastSeenMS      int64   `json:"last_seen_ms"`
	FirstVisibleMS  int64   `json:"first_visible_ms"`
	LastVisibleMS   int64   `json:"last_visible_ms"`
	MinVisiblePct   float64 `json:"min_visible_pct"`
	MaxVisiblePct   float64 `json:"max_visible_pct"`
}
