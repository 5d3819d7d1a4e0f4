// Package viewport holds the server-side picture of one client page: the
// viewport rectangle and the element layout rectangles from the most recent
// snapshot. It implements the geometry and change-notification collaborators
// the dwell engine samples from.
package viewport

import (
	"sync"
	"time"

	"dwelltrack/internal/visibility"
)

// Snapshot is one reported layout frame. Elements carries every element the
// client currently measures; an element missing from the frame samples as 0%
// visible but stays measurable once it has been reported at all.
type Snapshot struct {
	At       time.Time
	URL      string
	Viewport Rect
	Elements map[string]Rect
}

// Page accumulates snapshots for a single session.
//
// Handlers and measurability signals are invoked outside the page lock, so
// they may freely call back into the page or the engine.
type Page struct {
	mu       sync.Mutex
	view     Rect
	current  map[visibility.Target]Rect
	seen     map[visibility.Target]struct{}
	waiters  map[visibility.Target][]func()
	handlers []func()
	url      string
	lastAt   time.Time
	applied  uint64
}

func NewPage() *Page {
	return &Page{
		current: map[visibility.Target]Rect{},
		seen:    map[visibility.Target]struct{}{},
		waiters: map[visibility.Target][]func(){},
	}
}

// ApplySnapshot replaces the current frame, fires measurability signals for
// first-time elements, then notifies viewport-change handlers.
func (p *Page) ApplySnapshot(s Snapshot) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	p.mu.Lock()
	p.view = s.Viewport
	p.current = make(map[visibility.Target]Rect, len(s.Elements))
	var signals []func()
	for id, r := range s.Elements {
		t := visibility.Target(id)
		p.current[t] = r
		if _, ok := p.seen[t]; !ok {
			p.seen[t] = struct{}{}
			signals = append(signals, p.waiters[t]...)
			delete(p.waiters, t)
		}
	}
	if s.URL != "" {
		p.url = s.URL
	}
	p.lastAt = at
	p.applied++
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()

	for _, fn := range signals {
		fn()
	}
	for _, fn := range handlers {
		fn()
	}
}

func (p *Page) VisibleFraction(t visibility.Target) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.current[t]
	if !ok {
		return 0
	}
	return VisibleFraction(p.view, r)
}

// Measurable reports whether the element has ever appeared in a snapshot.
func (p *Page) Measurable(t visibility.Target) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[t]
	return ok
}

// OnMeasurable registers a one-shot signal for the element's first
// appearance. An already-measurable element signals asynchronously.
func (p *Page) OnMeasurable(t visibility.Target, fn func()) {
	p.mu.Lock()
	if _, ok := p.seen[t]; ok {
		p.mu.Unlock()
		go fn()
		return
	}
	p.waiters[t] = append(p.waiters[t], fn)
	p.mu.Unlock()
}

func (p *Page) OnViewportChanged(fn func()) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

// LastSeen is the timestamp of the most recent snapshot, for idle expiry.
func (p *Page) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAt
}

// Info is the page's operational summary.
type Info struct {
	URL       string    `json:"url,omitempty"`
	Viewport  Rect      `json:"viewport"`
	Elements  int       `json:"elements"`
	Snapshots uint64    `json:"snapshots"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

func (p *Page) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		URL:       p.url,
		Viewport:  p.view,
		Elements:  len(p.current),
		Snapshots: p.applied,
		LastSeen:  p.lastAt,
	}
}
