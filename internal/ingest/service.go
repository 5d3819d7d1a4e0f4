// Package ingest is the HTTP surface clients report layout snapshots to,
// plus the read endpoints for sessions, recent dwell events, and health.
package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dwelltrack/internal/sessions"
	"dwelltrack/internal/storage"
	"dwelltrack/pkg/logx"
)

const defaultMaxBody = int64(1 << 20)

// Config controls the ingestion server.
//
// Security:
//   - Prefer binding to localhost or terminating TLS in front.
//   - Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string // default "127.0.0.1:8931"
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxBodyBytes int64 // 0 means 1 MiB
}

// EventSource serves the recent-events endpoint. The audit pipeline's
// history ring implements it.
type EventSource interface {
	Recent(limit int) []storage.DwellEvent
}

// Deps are the collaborators behind the handlers. Sessions is required
// when the server is enabled; Events and Health may be nil.
type Deps struct {
	Sessions *sessions.Manager
	Events   EventSource
	Health   func() any
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}

	requests     atomic.Uint64
	unauthorized atomic.Uint64
}

func New(cfg Config, log logx.Logger, deps Deps) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, deps: deps}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound listen address, empty when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Snapshot reports server state for health output.
type Snapshot struct {
	Enabled      bool   `json:"enabled"`
	Running      bool   `json:"running"`
	Addr         string `json:"addr,omitempty"`
	TokenSet     bool   `json:"token_set"`
	Requests     uint64 `json:"requests"`
	Unauthorized uint64 `json:"unauthorized"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:      s.cfg.Enabled,
		Running:      s.srv != nil,
		TokenSet:     strings.TrimSpace(s.cfg.Token) != "",
		Requests:     s.requests.Load(),
		Unauthorized: s.unauthorized.Load(),
	}
	if s.ln != nil {
		snap.Addr = s.ln.Addr().String()
	}
	return snap
}

// Reconfigure applies cfg and starts/stops/restarts the server as needed.
// Safe during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout {
		return true
	}
	if a.MaxBodyBytes != b.MaxBodyBytes {
		return true
	}
	return false
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// A stop in flight must finish before we listen again.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		cur := s.cfg
		deps := s.deps
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}
		if deps.Sessions == nil {
			s.log.Error("ingest start refused: session manager missing")
			return
		}

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:8931"
		}
		if !cur.AllowInsecure && strings.TrimSpace(cur.Token) == "" && !isLoopbackAddr(addr) {
			s.log.Error("ingest refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		if cur.AllowInsecure && strings.TrimSpace(cur.Token) == "" && !isLoopbackAddr(addr) {
			s.log.Warn("ingest running without token on non-loopback addr (insecure)",
				logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ingest listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}

		srv := &http.Server{
			Handler:      s.buildMux(cur, deps),
			ReadTimeout:  cur.ReadTimeout,
			WriteTimeout: cur.WriteTimeout,
			IdleTimeout:  cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ingest server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("ingest started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", strings.TrimSpace(cur.Token) != ""))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Close the listener first so Shutdown can't hang on accept.
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ingest stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// Empty host binds all interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
