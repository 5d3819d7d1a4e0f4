package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dwelltrack/internal/sessions"
	"dwelltrack/internal/viewport"
	"dwelltrack/pkg/logx"
)

// snapshotRequest is one reported layout frame. Coordinates are CSS pixels
// relative to the viewport origin.
type snapshotRequest struct {
	Session  string        `json:"session,omitempty"`
	URL      string        `json:"url,omitempty"`
	At       time.Time     `json:"at,omitzero"`
	Viewport viewportSize  `json:"viewport"`
	Elements []elementRect `json:"elements"`
}

type viewportSize struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type elementRect struct {
	ID     string  `json:"id"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

type snapshotResponse struct {
	Session  string `json:"session"`
	Created  bool   `json:"created"`
	Elements int    `json:"elements"`
}

func (s *Service) buildMux(cfg Config, deps Deps) http.Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.counted(s.withAuth(cfg.Token, h))
	}

	mux.HandleFunc("POST /v1/snapshots", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.handleSnapshot(w, r, deps, maxBody)
	}))
	mux.HandleFunc("POST /v1/sessions/{id}/end", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.handleEnd(w, r, deps)
	}))
	mux.HandleFunc("GET /v1/sessions", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sessions.List())
	}))
	mux.HandleFunc("GET /v1/events/recent", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.handleRecent(w, r, deps)
	}))
	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		s.handleHealth(w, r, deps)
	}))
	return mux
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request, deps Deps, maxBody int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, http.StatusRequestEntityTooLarge, "snapshot body too large")
			return
		}
		writeErr(w, http.StatusBadRequest, "invalid snapshot body")
		return
	}

	snap := viewport.Snapshot{
		At:       req.At,
		URL:      req.URL,
		Viewport: viewport.Rect{Right: req.Viewport.W, Bottom: req.Viewport.H},
		Elements: make(map[string]viewport.Rect, len(req.Elements)),
	}
	for _, el := range req.Elements {
		id := strings.TrimSpace(el.ID)
		if id == "" {
			writeErr(w, http.StatusBadRequest, "element id is required")
			return
		}
		snap.Elements[id] = viewport.Rect{Left: el.Left, Top: el.Top, Right: el.Right, Bottom: el.Bottom}
	}

	sess, created, err := deps.Sessions.ApplySnapshot(req.Session, snap)
	if err != nil {
		if errors.Is(err, sessions.ErrTooManySessions) {
			writeErr(w, http.StatusTooManyRequests, "session limit reached")
			return
		}
		s.log.Error("snapshot apply failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "snapshot not applied")
		return
	}
	writeJSON(w, http.StatusAccepted, snapshotResponse{
		Session:  sess.ID,
		Created:  created,
		Elements: len(snap.Elements),
	})
}

func (s *Service) handleEnd(w http.ResponseWriter, r *http.Request, deps Deps) {
	id := r.PathValue("id")
	if err := deps.Sessions.End(id); err != nil {
		if errors.Is(err, sessions.ErrNoSession) {
			writeErr(w, http.StatusNotFound, "unknown session")
			return
		}
		s.log.Error("session end failed", logx.Err(err), logx.String("session", id))
		writeErr(w, http.StatusInternalServerError, "session not ended")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRecent(w http.ResponseWriter, r *http.Request, deps Deps) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	if deps.Events == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, deps.Events.Recent(limit))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request, deps Deps) {
	body := map[string]any{"status": "ok"}
	if deps.Health != nil {
		body["components"] = deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) counted(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		h(w, r)
	}
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, prefix) && strings.TrimSpace(strings.TrimPrefix(ah, prefix)) == tok {
			h(w, r)
			return
		}
		s.unauthorized.Add(1)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeErr(w, http.StatusUnauthorized, "unauthorized")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
