package sessions

import (
	"context"
	"errors"
	"time"

	"dwelltrack/internal/storage"
	"dwelltrack/internal/viewport"
	"dwelltrack/internal/visibility"
)

var (
	ErrNoSession       = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
)

// Rule is one configured dwell condition applied to every new session.
type Rule struct {
	Name    string
	Element string
	Spec    visibility.ConditionSpec
}

// Config controls session lifetime.
type Config struct {
	TTL         time.Duration // idle expiry since the last snapshot
	MaxSessions int
}

// Recorder receives fired dwell events. The audit pipeline implements it.
type Recorder interface {
	Record(ctx context.Context, e storage.DwellEvent) error
}

// Info is one session's operational summary.
type Info struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Page      viewport.Info       `json:"page"`
	Engine    visibility.Snapshot `json:"engine"`
}

// Snapshot reports manager counters for health output.
type Snapshot struct {
	Active   int    `json:"active"`
	Rules    int    `json:"rules"`
	Started  uint64 `json:"started"`
	Ended    uint64 `json:"ended"`
	Expired  uint64 `json:"expired"`
	Rejected uint64 `json:"rejected"`
	TTL      string `json:"ttl"`
}

// SessionEvent is the bus payload for session lifecycle topics.
type SessionEvent struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// SnapshotEvent is the bus payload for applied layout frames.
type SnapshotEvent struct {
	Session  string `json:"session"`
	Elements int    `json:"elements"`
}
