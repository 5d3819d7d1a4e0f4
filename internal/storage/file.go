package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dwelltrack/pkg/logx"
)

// fileStore is a dependency-free JSON Lines backend: one dwell event per
// line, appended as it fires. Reads scan the file; prunes rewrite it
// atomically via a temp file rename.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

const maxEventLine = 1 << 20

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDwell(ctx context.Context, e DwellEvent) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("dwell event file closed")
	}
	return json.NewEncoder(s.f).Encode(e)
}

func (s *fileStore) RecentDwell(ctx context.Context, limit int) ([]DwellEvent, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	// Newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("dwell event file closed")
	}

	events, err := s.readAllLocked()
	if err != nil {
		return 0, err
	}
	kept := events[:0]
	for _, e := range events {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(events) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	// Reopen the append handle on the new inode.
	_ = s.f.Close()
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.log.Debug("dwell events pruned", logx.Int64("removed", removed))
	return removed, nil
}

func (s *fileStore) readAllLocked() ([]DwellEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DwellEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		var e DwellEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Torn or corrupt line; skip rather than fail reads.
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
