package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dirwatch/dirwatch/internal/journal"
	"github.com/dirwatch/dirwatch/internal/registry"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// Engine is the part of *watcher.Engine the API reads.
type Engine interface {
	State() watcher.State
	Stats() watcher.Stats
	Snapshot() []registry.DirectoryInfo
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine  Engine
	journal journal.Store
	stream  http.Handler
	metrics http.Handler
	started time.Time
	logger  *slog.Logger
}

// NewServer creates a Server. journal and stream may be nil; the
// corresponding routes then answer 404.
func NewServer(engine Engine, j journal.Store, stream http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		journal: j,
		stream:  stream,
		metrics: metricsHandler(engine),
		started: time.Now(),
		logger:  logger,
	}
}

// Health is the /healthz response body.
type Health struct {
	Status           string     `json:"status"`
	State            string     `json:"state"`
	UptimeS          int64      `json:"uptime_s"`
	WatchedDirs      int        `json:"watched_dirs"`
	EventsDispatched uint64     `json:"events_dispatched"`
	LastEventAt      *time.Time `json:"last_event_at"`
}

// handleHealthz responds 200 while the engine is idle or running and 503
// once its loop has stopped.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	stats := s.engine.Stats()

	h := Health{
		Status:           "ok",
		State:            state.String(),
		UptimeS:          int64(time.Since(s.started).Seconds()),
		WatchedDirs:      len(s.engine.Snapshot()),
		EventsDispatched: stats.Dispatched,
	}
	if !stats.LastEventAt.IsZero() {
		at := stats.LastEventAt
		h.LastEventAt = &at
	}

	code := http.StatusOK
	if state == watcher.Stopped {
		h.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// WatchesResponse is the /api/v1/watches response body.
type WatchesResponse struct {
	Watches []registry.DirectoryInfo `json:"watches"`
	Stats   watcher.Stats            `json:"stats"`
}

func (s *Server) handleWatches(w http.ResponseWriter, r *http.Request) {
	watches := s.engine.Snapshot()
	if watches == nil {
		watches = []registry.DirectoryInfo{}
	}
	writeJSON(w, http.StatusOK, WatchesResponse{Watches: watches, Stats: s.engine.Stats()})
}

// handleEvents responds to GET /api/v1/events.
//
// Query parameters:
//
//	limit  maximum number of records (default 100, capped at 1000)
//	dir    exact directory filter (optional)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}

	q := journal.Query{Dir: r.URL.Query().Get("dir")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		q.Limit = limit
	}

	records, err := s.journal.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("api: journal query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "stream is not enabled")
		return
	}
	s.stream.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg} with the given status.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
