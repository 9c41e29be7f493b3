// Package api provides the REST API over the task state, checkpoints and
// stuck classification. Thin plumbing: every route reads or mutates the
// persisted task through the same packages the loop driver uses.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ternarybob/rewind/internal/config"
	"github.com/ternarybob/rewind/pkg/checkpoint"
	"github.com/ternarybob/rewind/pkg/stuck"
	"github.com/ternarybob/rewind/pkg/task"
)

// Server represents the API server.
type Server struct {
	cfg         *config.Config
	router      chi.Router
	store       task.Store
	checkpoints *checkpoint.Store
	detector    *stuck.Detector
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, store task.Store, checkpoints *checkpoint.Store) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		detector:    stuck.NewDetector(),
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Optional API key authentication
	if s.cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	// Health and version endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	// Task routes
	r.Route("/task", func(r chi.Router) {
		r.Get("/", s.handleGetTask)
		r.Get("/history", s.handleGetHistory)
		r.Get("/stuck", s.handleGetStuck)
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.handleListCheckpoints)
			r.Post("/", s.handleCreateCheckpoint)
		})
		r.Post("/rollback", s.handleRollbackLatest)
		r.Post("/rollback/{id}", s.handleRollback)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiKeyAuth is middleware that validates API key.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and version
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.API.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
