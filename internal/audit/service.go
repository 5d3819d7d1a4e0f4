package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dwelltrack/internal/eventbus"
	"dwelltrack/internal/runtime/supervisor"
	"dwelltrack/internal/storage"
	"dwelltrack/pkg/logx"
)

var (
	ErrDisabled  = errors.New("audit disabled")
	ErrQueueFull = errors.New("audit queue full")
	ErrStopped   = errors.New("audit stopped")
)

// Service implements the dwell-event pipeline: queue + worker pool + rate
// limit + history ring. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	recordWG  sync.WaitGroup

	queue    chan storage.DwellEvent
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	lastDropWarn time.Time

	hmu     sync.Mutex
	history []storage.DwellEvent

	enqueued atomic.Uint64
	stored   atomic.Uint64
	dropped  atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, store: store}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	// Burst equals the per-second rate so write spikes don't stall workers.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled pipeline starts nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan storage.DwellEvent, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "audit"))),
		// Pipeline failures must not take down the daemon.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("audit worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Records finish, then the closed queue lets workers drain.
		s.recordWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Record enqueues a fired dwell event without blocking. A full queue drops
// the event and reports ErrQueueFull.
func (s *Service) Record(ctx context.Context, e storage.DwellEvent) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.recordWG.Add(1)
	s.mu.Unlock()
	defer s.recordWG.Done()

	select {
	case q <- e:
		s.enqueued.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDwellFired, Time: e.At, Data: e})
		}
		return nil
	default:
		s.dropped.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeAuditDropped, Time: e.At, Data: e})
		}
		s.warnDrop(e)
		return ErrQueueFull
	}
}

// Recent returns up to limit events from the history ring, newest first.
func (s *Service) Recent(limit int) []storage.DwellEvent {
	if limit <= 0 {
		limit = 100
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if n > limit {
		n = limit
	}
	out := make([]storage.DwellEvent, 0, n)
	for i := len(s.history) - 1; i >= len(s.history)-n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.queue != nil && s.stopDone == nil,
		QueueCap: s.cfg.QueueSize,
		Enqueued: s.enqueued.Load(),
		Stored:   s.stored.Load(),
		Dropped:  s.dropped.Load(),
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	if s.sup != nil {
		snap.Goroutines = s.sup.Counters()
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = len(s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) workerLoop(ctx context.Context, q <-chan storage.DwellEvent) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, e)
		}
	}
}

func (s *Service) process(ctx context.Context, e storage.DwellEvent) {
	s.mu.Lock()
	lim := s.limiter
	histSize := s.cfg.HistorySize
	s.mu.Unlock()

	if s.store != nil {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// Shutdown mid-drain; keep the event in history anyway.
				s.appendHistory(e, histSize)
				return
			}
		}
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.store.AppendDwell(cctx, e)
		cancel()
		if err != nil {
			s.log.Warn("dwell event append failed",
				logx.Err(err),
				logx.String("session", e.Session),
				logx.String("element", e.Element))
		} else {
			s.stored.Add(1)
		}
	}
	s.appendHistory(e, histSize)
}

func (s *Service) appendHistory(e storage.DwellEvent, max int) {
	s.hmu.Lock()
	s.history = append(s.history, e)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

// warnDrop logs at most one queue-full warning per second.
func (s *Service) warnDrop(e storage.DwellEvent) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastDropWarn) < time.Second {
		s.mu.Unlock()
		return
	}
	s.lastDropWarn = now
	s.mu.Unlock()
	s.log.Warn("dwell event dropped, queue full",
		logx.String("session", e.Session),
		logx.String("element", e.Element),
		logx.Uint64("dropped", s.dropped.Load()))
}
