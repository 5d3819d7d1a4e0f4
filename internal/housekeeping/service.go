// Package housekeeping runs the daemon's periodic maintenance jobs on cron
// schedules: session TTL sweeps, dwell-event pruning, and operational
// snapshot logging. Jobs are named, skip overlapping runs, and recover
// panics.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dwelltrack/pkg/logx"
)

// Default schedules and retention, used when the config omits them.
const (
	DefaultSessionSweep = "@every 30s"
	DefaultStoragePrune = "@daily"
	DefaultSnapshotLog  = "@every 5m"

	DefaultRetention = 720 * time.Hour
)

// SpecDisabled turns a job off in config ("off" or "none").
func SpecDisabled(spec string) bool {
	s := strings.ToLower(strings.TrimSpace(spec))
	return s == "off" || s == "none"
}

type job struct {
	name string
	spec string
	fn   func(ctx context.Context) error

	entry   cron.EntryID
	inRun   atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64
	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// JobStatus is one job's line in the health snapshot.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Runs    uint64    `json:"runs"`
	Skips   uint64    `json:"skips"`
	Fails   uint64    `json:"fails"`
	LastRun time.Time `json:"last_run,omitzero"`
	LastErr string    `json:"last_err,omitempty"`
	NextRun time.Time `json:"next_run,omitzero"`
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	jobs   []*job
	byName map[string]*job
	c      *cron.Cron
	cancel context.CancelFunc
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		// SecondOptional accepts both 5-field and 6-field specs; Descriptor
		// accepts "@every 30s" and friends.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		byName: map[string]*job{},
	}
}

// Register adds a named job. Specs are validated here so a bad schedule
// fails loudly at wiring time, not at the first tick. Jobs must be
// registered before Start.
func (s *Service) Register(name, spec string, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || fn == nil {
		return errors.New("housekeeping: job name and func are required")
	}
	if spec == "" {
		return fmt.Errorf("housekeeping: job %s has no schedule", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping: job %s schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("housekeeping: already started")
	}
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("housekeeping: duplicate job %s", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	s.jobs = append(s.jobs, j)
	s.byName[name] = j
	return nil
}

// Start schedules every registered job. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser))
	for _, j := range s.jobs {
		j := j
		id, err := c.AddFunc(j.spec, func() { s.run(runCtx, j) })
		if err != nil {
			// Register validated the schedule already.
			s.log.Error("job not scheduled", logx.Err(err), logx.String("job", j.name))
			continue
		}
		j.entry = id
	}
	s.c = c
	s.cancel = cancel
	c.Start()
	s.log.Info("housekeeping started", logx.Int("jobs", len(s.jobs)))
}

// Stop waits for running jobs until ctx expires, then cancels their
// context and returns.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("housekeeping stopped")
}

func (s *Service) run(ctx context.Context, j *job) {
	if !j.inRun.CompareAndSwap(false, true) {
		j.skips.Add(1)
		s.log.Warn("job still running; tick skipped", logx.String("job", j.name))
		return
	}
	defer j.inRun.Store(false)
	defer func() {
		if r := recover(); r != nil {
			j.fails.Add(1)
			s.log.Error("job panicked",
				logx.String("job", j.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	start := time.Now()
	err := j.fn(ctx)
	j.runs.Add(1)

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		j.fails.Add(1)
		s.log.Warn("job failed",
			logx.String("job", j.name),
			logx.Err(err),
			logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("job finished",
		logx.String("job", j.name),
		logx.Duration("took", time.Since(start)))
}

// Snapshot lists every job's counters in registration order.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	c := s.c
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:    j.name,
			Spec:    j.spec,
			Runs:    j.runs.Load(),
			Skips:   j.skips.Load(),
			Fails:   j.fails.Load(),
			LastRun: j.lastRun,
			LastErr: j.lastErr,
		}
		j.mu.Unlock()
		if c != nil && j.entry != 0 {
			st.NextRun = c.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	return out
}
