package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dwelltrack/internal/visibility"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
ingest:
  enabled: true
  addr: "127.0.0.1:8931"
storage:
  driver: file
  path: ./events.jsonl
audit:
  enabled: true
  workers: 2
sessions:
  ttl: "90s"
  max_sessions: 64
housekeeping:
  enabled: true
  session_sweep: "@every 30s"
  storage_prune: "@daily"
  retention: "168h"
trackings:
  - element: "hero-banner"
    min_visible_pct: 50
    min_continuous_time: "1s"
  - name: "promo-total"
    element: "promo"
    min_total_time: "2.5s"
    report_on_unload: true
`

func TestLoadYAMLAndConvertRules(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get returned a different config")
	}

	if cfg.Logging.Level != "debug" || !cfg.Ingest.Enabled {
		t.Fatalf("sections = %+v / %+v", cfg.Logging, cfg.Ingest)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Trackings) != 2 {
		t.Fatalf("trackings = %d, want 2", len(cfg.Trackings))
	}

	spec, err := cfg.Trackings[0].Spec()
	if err != nil {
		t.Fatalf("rule 0 spec: %v", err)
	}
	if spec.MinVisiblePct == nil || *spec.MinVisiblePct != 50 {
		t.Fatalf("min pct = %v", spec.MinVisiblePct)
	}
	if spec.MaxVisiblePct != nil {
		t.Fatalf("absent max pct parsed as %v", *spec.MaxVisiblePct)
	}
	if spec.MinContinuousTime == nil || *spec.MinContinuousTime != time.Second {
		t.Fatalf("min continuous = %v", spec.MinContinuousTime)
	}
	if spec.MinTotalTime != nil {
		t.Fatalf("absent total bound parsed as %v", *spec.MinTotalTime)
	}

	spec, err = cfg.Trackings[1].Spec()
	if err != nil {
		t.Fatalf("rule 1 spec: %v", err)
	}
	if spec.MinTotalTime == nil || *spec.MinTotalTime != 2500*time.Millisecond {
		t.Fatalf("min total = %v", spec.MinTotalTime)
	}
	if !spec.ReportOnUnload {
		t.Fatalf("report_on_unload lost in conversion")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", "logging:\n  level: info\nbogus_section: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("unknown key accepted")
	}

	m = NewManager(writeFile(t, "config.json", `{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"nope":true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("unknown JSON key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"trackings":[]}{"trackings":[]}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("concatenated documents accepted")
	}
}

func TestRuleSpecErrors(t *testing.T) {
	t.Parallel()
	pct := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		rule TrackingRule
		ok   bool
	}{
		{"trivial", TrackingRule{Element: "a"}, true},
		{"full", TrackingRule{Element: "a", MinVisiblePct: pct(25), MaxVisiblePct: pct(75),
			MinContinuousTime: "1s", MinTotalTime: "2s"}, true},
		{"explicit zero bound", TrackingRule{Element: "a", MinTotalTime: "0s"}, true},
		{"bad duration", TrackingRule{Element: "a", MinTotalTime: "soon"}, false},
		{"negative duration", TrackingRule{Element: "a", MinContinuousTime: "-1s"}, false},
		{"inverted pct window", TrackingRule{Element: "a", MinVisiblePct: pct(80), MaxVisiblePct: pct(20)}, false},
		{"max total without unload ack", TrackingRule{Element: "a", MaxTotalTime: "10s"}, false},
		{"max total with unload ack", TrackingRule{Element: "a", MaxTotalTime: "10s", ReportOnUnload: true}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.rule.Spec()
			if tc.ok && err != nil {
				t.Fatalf("Spec() = %v, want ok", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Spec() accepted invalid rule")
			}
		})
	}
}

func TestRuleSpecSurfacesEngineError(t *testing.T) {
	t.Parallel()
	r := TrackingRule{Element: "a", MaxContinuousTime: "5s"}
	_, err := r.Spec()
	if !errors.Is(err, visibility.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(cfg *Config)
		frag string
	}{
		{"missing element", func(c *Config) {
			c.Trackings = []TrackingRule{{Element: " "}}
		}, "element is required"},
		{"duplicate names", func(c *Config) {
			c.Trackings = []TrackingRule{{Element: "a"}, {Element: "a"}}
		}, "duplicate rule name"},
		{"bad rule", func(c *Config) {
			c.Trackings = []TrackingRule{{Element: "a", MinTotalTime: "nope"}}
		}, "trackings[0]"},
		{"bad ttl", func(c *Config) {
			c.Sessions.TTL = "fast"
		}, "sessions.ttl"},
		{"bad driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}, "storage.driver"},
		{"bad schedule", func(c *Config) {
			c.Housekeeping.SessionSweep = "every 30s"
		}, "housekeeping.session_sweep"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("Validate accepted bad config")
			}
			if !strings.Contains(err.Error(), tc.frag) {
				t.Fatalf("err = %v, want mention of %q", err, tc.frag)
			}
		})
	}

	if err := Validate(&Config{Housekeeping: HousekeepingConfig{SessionSweep: "@every 30s"}}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Trackings: []TrackingRule{{Element: "hero"}},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "trackings": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs for changed sections")
	}

	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}
