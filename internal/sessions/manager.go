package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dwelltrack/internal/eventbus"
	"dwelltrack/internal/storage"
	"dwelltrack/internal/viewport"
	"dwelltrack/internal/visibility"
	"dwelltrack/pkg/logx"
)

// Manager keys sessions by client-supplied ID and creates them on first
// sight. Lock order is manager, then engine, then page; fired callbacks
// never reach back into the manager.
type Manager struct {
	log logx.Logger
	bus eventbus.Bus
	rec Recorder

	mu       sync.Mutex
	cfg      Config
	rules    []Rule
	sessions map[string]*Session

	started  uint64
	ended    uint64
	expired  uint64
	rejected uint64
}

func NewManager(cfg Config, log logx.Logger, bus eventbus.Bus, rec Recorder) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{log: log, bus: bus, rec: rec, sessions: map[string]*Session{}}
	m.Apply(cfg)
	return m
}

func (m *Manager) Apply(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// SetRules installs the tracking rules for sessions created from now on.
// Existing sessions keep the rules they were created with.
func (m *Manager) SetRules(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	for i := range cp {
		if cp[i].Name == "" {
			cp[i].Name = cp[i].Element
		}
	}
	m.mu.Lock()
	m.rules = cp
	m.mu.Unlock()
}

// CreateOrGet returns the session for id, creating it when unseen. An empty
// id gets a generated one. The second result reports whether the session
// was created by this call.
func (m *Manager) CreateOrGet(id string) (*Session, bool, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.rejected++
		m.mu.Unlock()
		m.log.Warn("session rejected", logx.String("session", id))
		return nil, false, ErrTooManySessions
	}
	s, err := m.buildLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	m.sessions[id] = s
	m.started++
	rules := len(m.rules)
	m.mu.Unlock()

	m.log.Info("session started",
		logx.String("session", id),
		logx.Int("rules", rules))
	m.publish(eventbus.TypeSessionStarted, SessionEvent{Session: id})
	return s, true, nil
}

func (m *Manager) buildLocked(id string) (*Session, error) {
	page := viewport.NewPage()
	eng, err := visibility.New(visibility.Deps{
		Geometry: page,
		Changes:  page,
		Log:      m.log.With(logx.String("session", id)),
	})
	if err != nil {
		return nil, err
	}
	s := &Session{ID: id, CreatedAt: time.Now(), page: page, engine: eng}
	for _, r := range m.rules {
		listenerID := uuid.NewString()
		if err := eng.Track(visibility.Target(r.Element), r.Spec, m.fireFunc(s, r, listenerID)); err != nil {
			// Rules are validated at config load; a rejection here means
			// that path was bypassed. Skip the rule, keep the session.
			m.log.Error("tracking rule rejected",
				logx.Err(err),
				logx.String("session", id),
				logx.String("rule", r.Name))
		}
	}
	return s, nil
}

// fireFunc builds the one-shot callback for one rule registration. It runs
// inside an engine pass and must not call back into the engine or take the
// manager lock.
func (m *Manager) fireFunc(s *Session, r Rule, listenerID string) visibility.Callback {
	return func(rpt visibility.Report) {
		cause := storage.CauseSatisfied
		if s.closing.Load() {
			cause = storage.CauseUnload
		}
		e := storage.DwellEvent{
			At:       time.Now(),
			Session:  s.ID,
			Element:  r.Element,
			Rule:     r.Name,
			Listener: listenerID,
			URL:      s.page.Info().URL,
			Cause:    cause,

			MaxContinuousMS: msOrUnset(rpt.MaxContinuousTime),
			TotalVisibleMS:  msOrUnset(rpt.TotalVisibleTime),
			FirstSeenMS:     msOrUnset(rpt.FirstSeenTime),
			LastSeenMS:      msOrUnset(rpt.LastSeenTime),
			FirstVisibleMS:  msOrUnset(rpt.FirstVisibleTime),
			LastVisibleMS:   msOrUnset(rpt.LastVisibleTime),
			MinVisiblePct:   rpt.MinVisiblePercentage,
			MaxVisiblePct:   rpt.MaxVisiblePercentage,
		}
		if m.rec == nil {
			return
		}
		if err := m.rec.Record(context.Background(), e); err != nil {
			// The recorder warns about drops itself; disabled/stopping
			// pipelines are routine.
			m.log.Debug("dwell event not recorded",
				logx.Err(err),
				logx.String("session", s.ID),
				logx.String("rule", r.Name))
		}
	}
}

// ApplySnapshot routes one layout frame to its session, creating the
// session on first sight.
func (m *Manager) ApplySnapshot(id string, snap viewport.Snapshot) (*Session, bool, error) {
	s, created, err := m.CreateOrGet(id)
	if err != nil {
		return nil, false, err
	}
	s.Apply(snap)
	m.publish(eventbus.TypeSnapshotApplied, SnapshotEvent{Session: s.ID, Elements: len(snap.Elements)})
	return s, created, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// End closes the session, flushing unload reports for listeners that asked
// for them.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	delete(m.sessions, id)
	m.ended++
	m.mu.Unlock()

	s.close()
	m.log.Info("session ended", logx.String("session", id))
	m.publish(eventbus.TypeSessionEnded, SessionEvent{Session: id, Reason: "end"})
	return nil
}

// Sweep expires sessions idle past the TTL and returns how many it closed.
// Housekeeping calls this periodically.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	ttl := m.cfg.TTL
	var idle []*Session
	for id, s := range m.sessions {
		last := s.page.LastSeen()
		if last.IsZero() {
			last = s.CreatedAt
		}
		if now.Sub(last) > ttl {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.expired += uint64(len(idle))
	m.mu.Unlock()

	for _, s := range idle {
		s.close()
		m.log.Info("session expired",
			logx.String("session", s.ID),
			logx.Duration("ttl", ttl))
		m.publish(eventbus.TypeSessionEnded, SessionEvent{Session: s.ID, Reason: "expired"})
	}
	return len(idle)
}

// CloseAll ends every session at daemon shutdown. Unload flushes still run.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*Session{}
	m.ended += uint64(len(all))
	m.mu.Unlock()

	for _, s := range all {
		s.close()
		m.publish(eventbus.TypeSessionEnded, SessionEvent{Session: s.ID, Reason: "shutdown"})
	}
	if len(all) > 0 {
		m.log.Info("sessions closed", logx.Int("count", len(all)))
	}
}

// List snapshots every active session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Active:   len(m.sessions),
		Rules:    len(m.rules),
		Started:  m.started,
		Ended:    m.ended,
		Expired:  m.expired,
		Rejected: m.rejected,
		TTL:      m.cfg.TTL.String(),
	}
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// msOrUnset converts a report duration to milliseconds, preserving the
// never-observed marker.
func msOrUnset(d time.Duration) int64 {
	if d == visibility.Unset {
		return -1
	}
	return d.Milliseconds()
}
