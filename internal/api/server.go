// Package api serves the local REST surface used by the UI and by scripts.
// It is a thin layer: every handler delegates to the same components the MCP
// tools use, so both surfaces always agree.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/config"
	"contextd/internal/control"
	"contextd/internal/observer"
	"contextd/internal/schema"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
)

// Deps are the components the REST layer exposes.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Schema   *schema.Watcher
	Observer *observer.Observer
	Analyzer *analyzer.Analyzer
	Model    *selfmodel.Builder
	Plane    *control.Plane
	Logger   *zap.Logger
}

// Server is the HTTP server for the local API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the server with its routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/contexts", func(r chi.Router) {
		r.Get("/", s.handleListContexts)
		r.Post("/", s.handleCreateContext)
		r.Get("/search", s.handleSearchContexts)
		r.Get("/{id}", s.handleGetContext)
		r.Put("/{id}", s.handleUpdateContext)
		r.Delete("/{id}", s.handleDeleteContext)
	})

	r.Get("/api/schema", s.handleGetSchema)
	r.Put("/api/schema", s.handlePutSchema)
	r.Get("/api/awareness", s.handleAwareness)
	r.Post("/api/analyze", s.handleAnalyze)

	r.Route("/api/pending-actions", func(r chi.Router) {
		r.Get("/", s.handleListPending)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/dismiss", s.handleDismiss)
		r.Post("/bulk", s.handleBulk)
	})

	r.Route("/api/bubbles", func(r chi.Router) {
		r.Get("/", s.handleListBubbles)
		r.Post("/", s.handleCreateBubble)
		r.Get("/{id}", s.handleGetBubble)
		r.Put("/{id}", s.handleUpdateBubble)
		r.Delete("/{id}", s.handleDeleteBubble)
		r.Get("/{id}/contexts", s.handleBubbleContexts)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              deps.Config.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("REST API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
