package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/engine"
	"github.com/kairoshq/kairos/internal/metrics"
)

// Server is the kairos HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server around an engine.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Capture path
		r.Post("/items", s.handleCreateOrMerge)

		// Bi-temporal store
		r.Post("/entities/{entityID}/write", s.handleWrite)
		r.Get("/entities/{entityID}", s.handleReadCurrent)
		r.Get("/entities/{entityID}/asof", s.handleReadAsOf)
		r.Get("/entities/{entityID}/history", s.handleHistory)
		r.Post("/edges", s.handleAddEdge)

		// Derived analytics
		r.Post("/capacity/checkins", s.handleCheckin)
		r.Get("/capacity", s.handleEstimate)
		r.Get("/patterns/due", s.handleDuePatterns)
		r.Get("/rank", s.handleRank)
	})

	r.Handle("/metrics", metrics.Handler())

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.eng.DB.Ping(); err != nil {
		dbOK = false
	}
	lastRuns, _ := s.eng.LastRuns(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.started).Seconds(),
		"db":        dbOK,
		"db_path":   s.eng.DB.Path,
		"last_runs": lastRuns,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the core taxonomy to 4xx statuses; anything else is
// a storage failure and surfaces as 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrEntityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrStaleWrite):
		status = http.StatusConflict
	case errors.Is(err, core.ErrOutOfOrderEvolution),
		errors.Is(err, core.ErrInvalidTimeRange):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
