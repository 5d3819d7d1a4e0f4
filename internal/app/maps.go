package app

import (
	"fmt"
	"strings"
	"time"

	"dwelltrack/internal/audit"
	"dwelltrack/internal/housekeeping"
	"dwelltrack/internal/ingest"
	"dwelltrack/internal/sessions"
	"dwelltrack/internal/storage"
	"dwelltrack/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAuditConfig(cfg *Config) audit.Config {
	if cfg == nil || cfg.Audit == nil {
		return audit.Config{}
	}
	return audit.Config{
		Enabled:     cfg.Audit.Enabled,
		Workers:     cfg.Audit.Workers,
		QueueSize:   cfg.Audit.QueueSize,
		RatePerSec:  cfg.Audit.RatePerSec,
		HistorySize: cfg.Audit.HistorySize,
	}
}

func mapSessionsConfig(cfg *Config) (sessions.Config, error) {
	ttl, err := parseDurationOrDefault("sessions.ttl", cfg.Sessions.TTL, 2*time.Minute)
	if err != nil {
		return sessions.Config{}, err
	}
	return sessions.Config{TTL: ttl, MaxSessions: cfg.Sessions.MaxSessions}, nil
}

func mapIngestConfig(cfg *Config) (ingest.Config, error) {
	ic := cfg.Ingest
	read, err := parseDurationOrDefault("ingest.read_timeout", ic.ReadTimeout, 10*time.Second)
	if err != nil {
		return ingest.Config{}, err
	}
	write, err := parseDurationOrDefault("ingest.write_timeout", ic.WriteTimeout, 10*time.Second)
	if err != nil {
		return ingest.Config{}, err
	}
	idle, err := parseDurationOrDefault("ingest.idle_timeout", ic.IdleTimeout, time.Minute)
	if err != nil {
		return ingest.Config{}, err
	}
	return ingest.Config{
		Enabled:       ic.Enabled,
		Addr:          strings.TrimSpace(ic.Addr),
		Token:         ic.Token,
		AllowInsecure: ic.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		MaxBodyBytes:  ic.MaxBodyBytes,
	}, nil
}

func mapRules(cfg *Config) ([]sessions.Rule, error) {
	rules := make([]sessions.Rule, 0, len(cfg.Trackings))
	for i, tr := range cfg.Trackings {
		spec, err := tr.Spec()
		if err != nil {
			return nil, fmt.Errorf("trackings[%d] (%s): %w", i, tr.Element, err)
		}
		rules = append(rules, sessions.Rule{Name: tr.Name, Element: tr.Element, Spec: spec})
	}
	return rules, nil
}

// scheduleOr resolves a housekeeping schedule: empty keeps the default,
// "off"/"none" disables the job.
func scheduleOr(spec, def string) (string, bool) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return def, true
	}
	if housekeeping.SpecDisabled(s) {
		return "", false
	}
	return s, true
}
