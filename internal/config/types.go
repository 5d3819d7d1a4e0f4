package config

// Config is the daemon's whole configuration. JSON and YAML files are
// accepted; YAML is coerced to JSON before the strict decode, so unknown
// keys are rejected in both formats.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Ingest       IngestConfig       `json:"ingest"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Audit        *AuditConfig       `json:"audit,omitempty"`
	Sessions     SessionsConfig     `json:"sessions"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`

	// Trackings are the dwell conditions registered in every new session.
	Trackings []TrackingRule `json:"trackings"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// IngestConfig controls the snapshot ingestion HTTP server.
//
// Security note:
//   - Prefer binding to localhost or terminating TLS in front.
//   - Binding to a non-loopback address requires a token or an explicit
//     allow_insecure.
type IngestConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8931"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// MaxBodyBytes caps snapshot request bodies. 0 keeps the default (1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// StorageConfig controls the optional dwell-event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dwelltrack.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AuditConfig controls the async dwell-event pipeline.
type AuditConfig struct {
	Enabled     bool `json:"enabled"`
	Workers     int  `json:"workers,omitempty"`
	QueueSize   int  `json:"queue_size,omitempty"`
	RatePerSec  int  `json:"rate_per_sec,omitempty"`
	HistorySize int  `json:"history_size,omitempty"`
}

type SessionsConfig struct {
	// TTL expires sessions idle since their last snapshot. Default "2m".
	TTL         string `json:"ttl,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// HousekeepingConfig schedules maintenance jobs. Schedules are cron specs
// or descriptors ("@every 30s", "@daily"). Omitted fields keep the
// defaults; "off" or "none" disables a job.
type HousekeepingConfig struct {
	Enabled      bool   `json:"enabled"`
	SessionSweep string `json:"session_sweep,omitempty"` // default "@every 30s"
	StoragePrune string `json:"storage_prune,omitempty"` // default "@daily"
	SnapshotLog  string `json:"snapshot_log,omitempty"`  // default "@every 5m"

	// Retention is how long pruning keeps dwell events. Default "720h".
	Retention string `json:"retention,omitempty"`
}

// TrackingRule is one declarative dwell condition, applied to the named
// element in every session. Percentage bounds follow the engine's window
// law: the lower bound is exclusive, the upper inclusive. A finite
// max_continuous_time or max_total_time requires report_on_unload.
type TrackingRule struct {
	Name              string   `json:"name,omitempty"`
	Element           string   `json:"element"`
	MinVisiblePct     *float64 `json:"min_visible_pct,omitempty"`
	MaxVisiblePct     *float64 `json:"max_visible_pct,omitempty"`
	MinContinuousTime string   `json:"min_continuous_time,omitempty"`
	MaxContinuousTime string   `json:"max_continuous_time,omitempty"`
	MinTotalTime      string   `json:"min_total_time,omitempty"`
	MaxTotalTime      string   `json:"max_total_time,omitempty"`
	ReportOnUnload    bool     `json:"report_on_unload,omitempty"`
}
