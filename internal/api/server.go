package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"soundmachine/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server provides the HTTP API and live update streams for the sound
// machine
type Server struct {
	store     *state.Store
	logger    *zap.Logger
	publicDir string
	router    chi.Router
	server    *http.Server
}

// NewServer creates a new API server. publicDir holds the browser UI; when
// empty or missing, GET / serves the endpoint sitemap instead.
func NewServer(store *state.Store, logger *zap.Logger, addr, publicDir string) *Server {
	s := &Server{
		store:     store,
		logger:    logger.Named("api"),
		publicDir: publicDir,
	}
	s.router = s.routes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWebSocket)

		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
		r.Post("/volume", s.handleVolume)
		r.Post("/tab", s.handleTab)
		r.Post("/timer/start", s.handleTimerStart)
		r.Post("/timer/cancel", s.handleTimerCancel)
	})

	if s.hasPublicDir() {
		r.Handle("/*", http.FileServer(http.Dir(s.publicDir)))
	} else {
		r.Get("/", s.handleSitemap)
	}
	return r
}

func (s *Server) hasPublicDir() bool {
	if s.publicDir == "" {
		return false
	}
	info, err := os.Stat(s.publicDir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("Public directory not usable, serving sitemap at /",
			zap.String("dir", s.publicDir))
		return false
	}
	return true
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request once it completes
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/status", Method: "GET", Description: "Current playback state snapshot"},
	{Path: "/api/events", Method: "GET", Description: "Server-sent events stream of state snapshots"},
	{Path: "/api/ws", Method: "GET", Description: "WebSocket stream of state snapshots"},
	{Path: "/api/play", Method: "POST", Description: "Play a sound: {\"sound\": \"white\"}"},
	{Path: "/api/stop", Method: "POST", Description: "Stop playback"},
	{Path: "/api/volume", Method: "POST", Description: "Set volume: {\"volume\": 0.5}"},
	{Path: "/api/tab", Method: "POST", Description: "Switch tab: {\"tab\": \"timer\"}"},
	{Path: "/api/timer/start", Method: "POST", Description: "Play until a stop time: {\"sound\", \"stopTime\", \"volume\"}"},
	{Path: "/api/timer/cancel", Method: "POST", Description: "Cancel the sleep timer"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap lists the available endpoints as plain text, or JSON when
// the client asks for it
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Sound Machine API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-20s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost%s/api/status\n", s.server.Addr)
	fmt.Fprintf(w, "  curl -X POST -d '{\"sound\":\"brown\"}' http://localhost%s/api/play\n", s.server.Addr)
	fmt.Fprintf(w, "  curl -N http://localhost%s/api/events\n", s.server.Addr)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Open event streams hold
// Shutdown until they end, so close the broadcaster first.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
