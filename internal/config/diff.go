package config

import (
	"reflect"
	"strings"

	"dwelltrack/pkg/logx"
)

// SummarizeChange returns the changed sections between two configs plus
// safe structured attrs for the reload log line. Secrets (the ingest
// token) are reported only as present/absent.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.Bool("ingest.enabled", newCfg.Ingest.Enabled),
			logx.String("ingest.addr", strings.TrimSpace(newCfg.Ingest.Addr)),
			logx.Bool("ingest.token_set", strings.TrimSpace(newCfg.Ingest.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.configured", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Audit, newCfg.Audit) {
		changed = append(changed, "audit")
		if newCfg.Audit != nil {
			attrs = append(attrs,
				logx.Bool("audit.enabled", newCfg.Audit.Enabled),
				logx.Int("audit.workers", newCfg.Audit.Workers),
				logx.Int("audit.queue_size", newCfg.Audit.QueueSize),
			)
		} else {
			attrs = append(attrs, logx.Bool("audit.configured", false))
		}
	}

	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.ttl", strings.TrimSpace(newCfg.Sessions.TTL)),
			logx.Int("sessions.max", newCfg.Sessions.MaxSessions),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.session_sweep", newCfg.Housekeeping.SessionSweep),
		)
	}

	if !reflect.DeepEqual(oldCfg.Trackings, newCfg.Trackings) {
		changed = append(changed, "trackings")
		attrs = append(attrs, logx.Int("trackings.count", len(newCfg.Trackings)))
	}

	return changed, attrs
}
