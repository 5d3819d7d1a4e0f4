package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"dwelltrack/pkg/logx"
)

// Store is the persistence API used by the audit pipeline and housekeeping.
type Store interface {
	AppendDwell(ctx context.Context, e DwellEvent) error
	// RecentDwell returns up to limit events, newest first.
	RecentDwell(ctx context.Context, limit int) ([]DwellEvent, error)
	// PruneBefore deletes events older than cutoff and reports how many.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
