// Package api serves the dirwatch status API.
//
// Route layout:
//
//	GET /healthz            liveness and engine summary (no authentication)
//	GET /metrics            Prometheus exposition (no authentication)
//	GET /api/v1/watches     watched directories
//	GET /api/v1/events      recent journal records
//	GET /api/v1/stream      WebSocket stream of dispatched events
//
// When a JWTConfig is supplied every /api/v1 route requires an RS256 bearer
// token.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the chi router for srv. auth may be nil to disable token
// verification.
func NewRouter(srv *Server, auth *JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Method(http.MethodGet, "/metrics", srv.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(JWTMiddleware(*auth))
		}

		r.Get("/watches", srv.handleWatches)
		r.Get("/events", srv.handleEvents)
		r.Get("/stream", srv.handleStream)
	})

	return r
}
