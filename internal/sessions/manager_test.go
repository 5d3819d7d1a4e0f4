package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dwelltrack/internal/eventbus"
	"dwelltrack/internal/storage"
	"dwelltrack/internal/viewport"
	"dwelltrack/internal/visibility"
	"dwelltrack/pkg/logx"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []storage.DwellEvent
}

func (c *captureRecorder) Record(_ context.Context, e storage.DwellEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureRecorder) all() []storage.DwellEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.DwellEvent(nil), c.events...)
}

func frame(url string, elems map[string]viewport.Rect) viewport.Snapshot {
	return viewport.Snapshot{
		At:       time.Now(),
		URL:      url,
		Viewport: viewport.Rect{Right: 1000, Bottom: 800},
		Elements: elems,
	}
}

func TestSnapshotDrivesSatisfiedDwellEvent(t *testing.T) {
	t.Parallel()
	rec := &captureRecorder{}
	m := NewManager(Config{}, logx.Nop(), nil, rec)
	m.SetRules([]Rule{{Name: "hero-seen", Element: "hero", Spec: visibility.ConditionSpec{}}})

	s, created, err := m.ApplySnapshot("s1", frame("https://example.com/a", map[string]viewport.Rect{
		"hero": {Right: 100, Bottom: 100},
	}))
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if !created || s.ID != "s1" {
		t.Fatalf("created=%v id=%q, want new session s1", created, s.ID)
	}

	// A trivial condition fires on the first in-window sample, inside the
	// pass the snapshot triggered.
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	e := events[0]
	if e.Cause != storage.CauseSatisfied {
		t.Fatalf("cause = %q, want %q", e.Cause, storage.CauseSatisfied)
	}
	if e.Session != "s1" || e.Element != "hero" || e.Rule != "hero-seen" {
		t.Fatalf("event identity = %+v", e)
	}
	if e.URL != "https://example.com/a" {
		t.Fatalf("url = %q", e.URL)
	}
	if e.Listener == "" {
		t.Fatalf("listener id missing")
	}
	if e.MinVisiblePct != 100 || e.MaxVisiblePct != 100 {
		t.Fatalf("extrema = %v..%v, want 100..100", e.MinVisiblePct, e.MaxVisiblePct)
	}
	if e.FirstSeenMS < 0 || e.FirstVisibleMS < 0 {
		t.Fatalf("stamps = %v/%v, want observed", e.FirstSeenMS, e.FirstVisibleMS)
	}

	if info := s.Info(); info.Engine.Fired != 1 || info.Engine.Listeners != 0 {
		t.Fatalf("engine snapshot = %+v, want one fired and no listeners", info.Engine)
	}
}

func TestEndFlushesUnloadListener(t *testing.T) {
	t.Parallel()
	rec := &captureRecorder{}
	m := NewManager(Config{}, logx.Nop(), nil, rec)
	m.SetRules([]Rule{{
		Element: "promo",
		Spec: visibility.ConditionSpec{
			MinTotalTime:   visibility.Dur(time.Hour),
			ReportOnUnload: true,
		},
	}})

	if _, _, err := m.ApplySnapshot("s2", frame("https://example.com/b", map[string]viewport.Rect{
		"promo": {Right: 200, Bottom: 200},
	})); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("recorded %d events before end, want 0", len(got))
	}

	if err := m.End("s2"); err != nil {
		t.Fatalf("End: %v", err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1 unload flush", len(events))
	}
	e := events[0]
	if e.Cause != storage.CauseUnload {
		t.Fatalf("cause = %q, want %q", e.Cause, storage.CauseUnload)
	}
	if e.Rule != "promo" {
		t.Fatalf("default rule name = %q, want element id", e.Rule)
	}
	if e.TotalVisibleMS < 0 {
		t.Fatalf("total = %vms, want accumulated time", e.TotalVisibleMS)
	}
	if e.URL != "https://example.com/b" {
		t.Fatalf("url = %q", e.URL)
	}

	if err := m.End("s2"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second End = %v, want ErrNoSession", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ended, unsub := bus.SubscribeTypes(4, eventbus.TypeSessionEnded)
	defer unsub()

	m := NewManager(Config{TTL: time.Minute}, logx.Nop(), bus, nil)
	if _, _, err := m.CreateOrGet("idle"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh session swept: %d", n)
	}
	if n := m.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, ok := m.Get("idle"); ok {
		t.Fatalf("expired session still present")
	}

	select {
	case ev := <-ended:
		data, ok := ev.Data.(SessionEvent)
		if !ok || data.Session != "idle" || data.Reason != "expired" {
			t.Fatalf("end event = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("session.ended never published")
	}

	snap := m.Snapshot()
	if snap.Active != 0 || snap.Expired != 1 || snap.Started != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCreateOrGetReusesAndEnforcesLimit(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxSessions: 1}, logx.Nop(), nil, nil)

	a, created, err := m.CreateOrGet("a")
	if err != nil || !created {
		t.Fatalf("first create = (%v, %v)", created, err)
	}
	b, created, err := m.CreateOrGet("a")
	if err != nil || created || b != a {
		t.Fatalf("second create = (%v, %v), want existing session", created, err)
	}
	if _, _, err := m.CreateOrGet("b"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("over-limit create = %v, want ErrTooManySessions", err)
	}
	if snap := m.Snapshot(); snap.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", snap.Rejected)
	}
}

func TestRuleChangesApplyToNewSessionsOnly(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{}, logx.Nop(), nil, nil)
	m.SetRules([]Rule{{Element: "a", Spec: visibility.ConditionSpec{MinTotalTime: visibility.Dur(time.Hour)}}})

	s1, _, err := m.CreateOrGet("first")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	m.SetRules([]Rule{
		{Element: "a", Spec: visibility.ConditionSpec{MinTotalTime: visibility.Dur(time.Hour)}},
		{Element: "b", Spec: visibility.ConditionSpec{MinContinuousTime: visibility.Dur(time.Hour)}},
	})
	s2, _, err := m.CreateOrGet("second")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	if got := s1.Info().Engine.Listeners; got != 1 {
		t.Fatalf("existing session listeners = %d, want 1", got)
	}
	if got := s2.Info().Engine.Listeners; got != 2 {
		t.Fatalf("new session listeners = %d, want 2", got)
	}

	m.CloseAll()
	if snap := m.Snapshot(); snap.Active != 0 || snap.Ended != 2 {
		t.Fatalf("after CloseAll snapshot = %+v", snap)
	}
}
