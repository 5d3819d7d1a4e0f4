package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dwelltrack/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDwell(ctx context.Context, e DwellEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dwell_events(at_ms, session, element, rule, listener, url, cause,
		   max_continuous_ms, total_visible_ms, first_seen_ms, last_seen_ms,
		   first_visible_ms, last_visible_ms, min_visible_pct, max_visible_pct)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Session, e.Element, e.Rule, e.Listener, nullStr(e.URL), e.Cause,
		e.MaxContinuousMS, e.TotalVisibleMS, e.FirstSeenMS, e.LastSeenMS,
		e.FirstVisibleMS, e.LastVisibleMS, e.MinVisiblePct, e.MaxVisiblePct,
	)
	return err
}

func (s *sqliteStore) RecentDwell(ctx context.Context, limit int) ([]DwellEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, session, element, rule, listener, url, cause,
		   max_continuous_ms, total_visible_ms, first_seen_ms, last_seen_ms,
		   first_visible_ms, last_visible_ms, min_visible_pct, max_visible_pct
		 FROM dwell_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DwellEvent
	for rows.Next() {
		var e DwellEvent
		var atMS int64
		var url sql.NullString
		if err := rows.Scan(&atMS, &e.Session, &e.Element, &e.Rule, &e.Listener, &url, &e.Cause,
			&e.MaxContinuousMS, &e.TotalVisibleMS, &e.FirstSeenMS, &e.LastSeenMS,
			&e.FirstVisibleMS, &e.LastVisibleMS, &e.MinVisiblePct, &e.MaxVisiblePct); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMS)
		e.URL = url.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwell_events WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
