package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"dwelltrack/internal/visibility"
)

// Spec converts the rule into an engine condition. Duration strings parse
// with "" meaning unbounded; the result is validated by the engine, so a
// rule that passes here is guaranteed to register.
func (r TrackingRule) Spec() (visibility.ConditionSpec, error) {
	spec := visibility.ConditionSpec{
		MinVisiblePct:  r.MinVisiblePct,
		MaxVisiblePct:  r.MaxVisiblePct,
		ReportOnUnload: r.ReportOnUnload,
	}

	var err error
	if spec.MinContinuousTime, err = durationPtr("min_continuous_time", r.MinContinuousTime); err != nil {
		return spec, err
	}
	if spec.MaxContinuousTime, err = durationPtr("max_continuous_time", r.MaxContinuousTime); err != nil {
		return spec, err
	}
	if spec.MinTotalTime, err = durationPtr("min_total_time", r.MinTotalTime); err != nil {
		return spec, err
	}
	if spec.MaxTotalTime, err = durationPtr("max_total_time", r.MaxTotalTime); err != nil {
		return spec, err
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

// Validate rejects configs with malformed sections or tracking rules. The
// watcher runs it before committing a reload; startup runs it after Load.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	seen := make(map[string]struct{}, len(cfg.Trackings))
	for i, r := range cfg.Trackings {
		el := strings.TrimSpace(r.Element)
		if el == "" {
			return fmt.Errorf("trackings[%d]: element is required", i)
		}
		name := r.Name
		if name == "" {
			name = el
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("trackings[%d]: duplicate rule name %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := r.Spec(); err != nil {
			return fmt.Errorf("trackings[%d] (%s): %w", i, el, err)
		}
	}

	if _, err := ParseDurationField("sessions.ttl", cfg.Sessions.TTL); err != nil {
		return err
	}
	if cfg.Sessions.MaxSessions < 0 {
		return errors.New("sessions.max_sessions: must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"ingest.read_timeout", cfg.Ingest.ReadTimeout},
		{"ingest.write_timeout", cfg.Ingest.WriteTimeout},
		{"ingest.idle_timeout", cfg.Ingest.IdleTimeout},
		{"housekeeping.retention", cfg.Housekeeping.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Ingest.MaxBodyBytes < 0 {
		return errors.New("ingest.max_body_bytes: must be >= 0")
	}

	for _, s := range []struct{ path, spec string }{
		{"housekeeping.session_sweep", cfg.Housekeeping.SessionSweep},
		{"housekeeping.storage_prune", cfg.Housekeeping.StoragePrune},
		{"housekeeping.snapshot_log", cfg.Housekeeping.SnapshotLog},
	} {
		spec := strings.TrimSpace(s.spec)
		if spec == "" {
			continue
		}
		// "off"/"none" disables the job, per the housekeeping runner.
		if l := strings.ToLower(spec); l == "off" || l == "none" {
			continue
		}
		if _, err := scheduleParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", s.path, s.spec, err)
		}
	}
	return nil
}

// scheduleParser matches the housekeeping runner's parser: seconds field
// optional, descriptors like "@every 30s" allowed.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute |
	cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
