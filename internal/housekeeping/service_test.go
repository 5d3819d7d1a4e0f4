package housekeeping

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dwelltrack/pkg/logx"
)

func TestRegisterValidatesSpecs(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Register("ok-every", "@every 30s", noop); err != nil {
		t.Fatalf("descriptor spec rejected: %v", err)
	}
	if err := s.Register("ok-cron", "0 3 * * *", noop); err != nil {
		t.Fatalf("five-field spec rejected: %v", err)
	}
	if err := s.Register("ok-seconds", "*/10 * * * * *", noop); err != nil {
		t.Fatalf("six-field spec rejected: %v", err)
	}
	if err := s.Register("bad", "every 30s", noop); err == nil {
		t.Fatalf("malformed spec accepted")
	}
	if err := s.Register("", "@daily", noop); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := s.Register("ok-every", "@daily", noop); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate name = %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Register("late", "@daily", noop); err == nil {
		t.Fatalf("registration after start accepted")
	}
}

func TestRunSkipsOverlappingTick(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	j := &job{name: "sweep", spec: "@every 1s", fn: func(context.Context) error { return nil }}

	j.inRun.Store(true)
	s.run(context.Background(), j)
	if got := j.skips.Load(); got != 1 {
		t.Fatalf("skips = %d, want 1", got)
	}
	if got := j.runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want 0", got)
	}

	j.inRun.Store(false)
	s.run(context.Background(), j)
	if got := j.runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestRunRecoversPanicAndRecordsError(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())

	boom := &job{name: "boom", fn: func(context.Context) error { panic("kaput") }}
	s.run(context.Background(), boom)
	if got := boom.fails.Load(); got != 1 {
		t.Fatalf("fails after panic = %d, want 1", got)
	}
	if boom.inRun.Load() {
		t.Fatalf("inRun stuck after panic")
	}

	failing := &job{name: "prune", fn: func(context.Context) error { return errors.New("disk gone") }}
	s.run(context.Background(), failing)
	failing.mu.Lock()
	lastErr := failing.lastErr
	lastRun := failing.lastRun
	failing.mu.Unlock()
	if lastErr != "disk gone" {
		t.Fatalf("lastErr = %q", lastErr)
	}
	if lastRun.IsZero() {
		t.Fatalf("lastRun not stamped")
	}

	// A later clean run clears the recorded error.
	failing.fn = func(context.Context) error { return nil }
	s.run(context.Background(), failing)
	failing.mu.Lock()
	lastErr = failing.lastErr
	failing.mu.Unlock()
	if lastErr != "" {
		t.Fatalf("lastErr not cleared: %q", lastErr)
	}
}

func TestSnapshotReportsNextRun(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	if err := s.Register("tick", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before := s.Snapshot()
	if len(before) != 1 || !before[0].NextRun.IsZero() {
		t.Fatalf("snapshot before start = %+v", before)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	after := s.Snapshot()
	if len(after) != 1 {
		t.Fatalf("snapshot = %+v", after)
	}
	st := after[0]
	if st.Name != "tick" || st.Spec != "@every 1h" {
		t.Fatalf("job identity = %+v", st)
	}
	if st.NextRun.IsZero() || time.Until(st.NextRun) > time.Hour+time.Minute {
		t.Fatalf("next run = %v", st.NextRun)
	}
}

func TestSpecDisabled(t *testing.T) {
	t.Parallel()
	for spec, want := range map[string]bool{
		"off": true, "none": true, " OFF ": true,
		"": false, "@daily": false,
	} {
		if got := SpecDisabled(spec); got != want {
			t.Fatalf("SpecDisabled(%q) = %v, want %v", spec, got, want)
		}
	}
}
