// Package server provides the HTTP server for the mudra recognition service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/server/api"
	"github.com/ayusman/mudra/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	App       *app.App
}

// Server represents the HTTP server for the mudra application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server. Routes are only
// mounted when the component they depend on is configured.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	a := s.config.App

	if st := s.config.Store; st != nil {
		var (
			catalog api.CatalogSource
			plugins api.PluginSource
			latest  api.FeatureSource
		)
		if a != nil {
			catalog, plugins, latest = a, a.PluginManager(), a
		}

		bindings := api.NewBindingHandler(st, catalog, plugins)
		s.mux.Handle("/api/bindings", bindings)
		s.mux.Handle("/api/bindings/", bindings)

		samples := api.NewSamplesHandler(st, latest)
		s.mux.Handle("/api/samples", samples)
		s.mux.Handle("/api/samples/", samples)

		detections := api.NewDetectionHandler(st)
		s.mux.Handle("/api/detections", detections)
		s.mux.Handle("/api/detections/", detections)
	}

	if a != nil {
		recognition := api.NewRecognitionHandler(a)
		for _, path := range []string{"/api/patterns", "/api/progress", "/api/target", "/api/reset", "/api/enabled"} {
			s.mux.Handle(path, recognition)
		}

		model := api.NewModelHandler(a)
		s.mux.Handle("/api/model", model)
		s.mux.Handle("/api/model/", model)

		s.mux.Handle("/api/events", NewEventsHandler(a, nil))
		s.mux.Handle("/api/stream", NewStreamHandler(a))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Patterns    int    `json:"patterns"`
	Model       bool   `json:"model"`
	Subscribers int    `json:"subscribers"`
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.start).String(),
	}
	if a := s.config.App; a != nil {
		enabled := a.IsEnabled()
		resp.Enabled = &enabled
		resp.Patterns = a.Catalog().Len()
		resp.Model = a.Classifier() != nil
		resp.Subscribers = a.Subscribers()
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ListenAndServe starts the HTTP server on the given address. It returns nil
// after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
