package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	if _, enabled, err := mapStorageConfig(&Config{}); err != nil || enabled {
		t.Fatalf("absent storage: enabled=%v err=%v", enabled, err)
	}

	cfg := &Config{}
	cfg.Storage = &StorageConfig{Driver: "none"}
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	cfg.Storage = &StorageConfig{Driver: "file", Path: "events.jsonl"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || sc.Driver != "file" {
		t.Fatalf("file driver: %+v enabled=%v err=%v", sc, enabled, err)
	}

	cfg.Storage = &StorageConfig{Driver: "sqlite"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("sqlite without path accepted")
	}

	cfg.Storage = &StorageConfig{Driver: "SQLite3", Path: "dwell.db", BusyTimeout: "2s"}
	sc, enabled, err = mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite3" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("sqlite config = %+v", sc)
	}

	cfg.Storage = &StorageConfig{Driver: "postgres", Path: "x"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestMapIngestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Ingest.Enabled = true
	ic, err := mapIngestConfig(cfg)
	if err != nil {
		t.Fatalf("mapIngestConfig: %v", err)
	}
	if ic.ReadTimeout != 10*time.Second || ic.WriteTimeout != 10*time.Second || ic.IdleTimeout != time.Minute {
		t.Fatalf("timeouts = %+v", ic)
	}

	cfg.Ingest.ReadTimeout = "soon"
	if _, err := mapIngestConfig(cfg); err == nil {
		t.Fatalf("bad read_timeout accepted")
	}
}

func TestMapRules(t *testing.T) {
	t.Parallel()
	pct := 50.0
	cfg := &Config{Trackings: []TrackingRule{
		{Name: "hero-half", Element: "hero", MinVisiblePct: &pct, MinContinuousTime: "1s"},
	}}
	rules, err := mapRules(cfg)
	if err != nil {
		t.Fatalf("mapRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "hero-half" || rules[0].Element != "hero" {
		t.Fatalf("rules = %+v", rules)
	}

	cfg.Trackings = append(cfg.Trackings, TrackingRule{Element: "promo", MinTotalTime: "soon"})
	if _, err := mapRules(cfg); err == nil || !strings.Contains(err.Error(), "promo") {
		t.Fatalf("bad rule error = %v", err)
	}
}

func TestScheduleOr(t *testing.T) {
	t.Parallel()
	if spec, ok := scheduleOr("", "@every 30s"); !ok || spec != "@every 30s" {
		t.Fatalf("empty spec = %q, %v", spec, ok)
	}
	if _, ok := scheduleOr("off", "@every 30s"); ok {
		t.Fatalf("off not disabled")
	}
	if _, ok := scheduleOr(" NONE ", "@every 30s"); ok {
		t.Fatalf("none not disabled")
	}
	if spec, ok := scheduleOr("@hourly", "@every 30s"); !ok || spec != "@hourly" {
		t.Fatalf("custom spec = %q, %v", spec, ok)
	}
}

func TestBootAndStop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	cfgJSON := `{
		"logging": {"level": "error"},
		"ingest": {"enabled": false},
		"sessions": {"ttl": "1m", "max_sessions": 4},
		"housekeeping": {"enabled": false},
		"trackings": [
			{"element": "hero", "min_visible_pct": 50, "min_continuous_time": "1s"}
		]
	}`
	if err := os.WriteFile(path, []byte(cfgJSON), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if got := a.cfgm.Get(); got == nil || len(got.Trackings) != 1 {
		t.Fatalf("loaded config = %+v", got)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.sessions.Snapshot()
	if snap.Rules != 1 || snap.TTL != "1m0s" {
		t.Fatalf("sessions snapshot = %+v", snap)
	}
	health, ok := a.healthSnapshot().(map[string]any)
	if !ok {
		t.Fatalf("health snapshot is %T", a.healthSnapshot())
	}
	for _, key := range []string{"sessions", "audit", "ingest", "storage", "housekeeping"} {
		if _, ok := health[key]; !ok {
			t.Fatalf("health snapshot missing %q: %v", key, health)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("supervisor context still live after stop")
	}
}
