// Package api is the minimal operator-facing HTTP surface. spec.md §1
// names "the inbound HTTP route layer through which work items arrive"
// as an out-of-scope external collaborator; this package is not that
// layer. It exposes only the Yield Coordinator's forceYield signal
// (spec.md §4.D) and a health check, grounded on teacher
// internal/api/server.go's go-chi/chi router and middleware stack.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"runcoordinator/internal/store"
	"runcoordinator/internal/yield"
)

// Server is the operator control surface: force-yield a run and check
// process health. It does not serve the inbound work-item routes that
// deliver PREPROCESS/EXECUTE_JOB messages — those belong to the
// out-of-scope external route layer spec.md §1 names.
type Server struct {
	ctx    context.Context
	store  store.Store
	yield  *yield.Coordinator
	router *chi.Mux
}

// Config is the server's bind configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// New creates a new API server instance.
func New(ctx context.Context, st store.Store, yc *yield.Coordinator) *Server {
	s := &Server{
		ctx:    ctx,
		store:  st,
		yield:  yc,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api/runs/{runID}", func(r chi.Router) {
		r.Post("/yield", s.handleForceYield)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, map[string]string{"status": "ok"})
}

// handleForceYield is the operator-facing trigger spec.md §4.D
// describes: "invoked by an out-of-band signal (e.g. operator action,
// adaptive controller)".
func (s *Server) handleForceYield(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	if err := s.yield.ForceYield(r.Context(), s.store, runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		log.Error().Err(err).Int64("run_id", runID).Msg("force yield failed")
		return
	}
	serveJson(w, map[string]bool{"forceYield": true})
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
