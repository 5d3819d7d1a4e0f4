package sessions

import (
	"sync/atomic"
	"time"

	"dwelltrack/internal/viewport"
	"dwelltrack/internal/visibility"
)

// Session couples one page with its dwell engine. The engine samples the
// page directly; every applied snapshot drives an evaluation pass.
type Session struct {
	ID        string
	CreatedAt time.Time

	page   *viewport.Page
	engine *visibility.Service

	// closing flips before the engine closes, so unload flushes fired by
	// Close tag their events with the unload cause.
	closing atomic.Bool
}

func (s *Session) Page() *viewport.Page { return s.page }

// Apply feeds one layout frame to the page. Measurability signals and the
// engine pass it triggers run synchronously on the caller.
func (s *Session) Apply(snap viewport.Snapshot) {
	s.page.ApplySnapshot(snap)
}

// close shuts the engine down exactly once, flushing unload reports.
func (s *Session) close() bool {
	if !s.closing.CompareAndSwap(false, true) {
		return false
	}
	s.engine.Close()
	return true
}

func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Page:      s.page.Info(),
		Engine:    s.engine.Snapshot(),
	}
}
