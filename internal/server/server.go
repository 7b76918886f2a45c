// Package server exposes the HTTP API: job submission, status and listing,
// cancellation, statistics, and the per-job SSE status stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duecall/duecall/internal/config"
	"github.com/duecall/duecall/internal/httputil"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/realtime"
	"github.com/duecall/duecall/internal/tasks"
)

// streamTokenTTL bounds how long a minted stream token stays valid.
const streamTokenTTL = 10 * time.Minute

// Server is the DueCall HTTP API server.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	store     jobStore
	hub       *realtime.Hub
	startTime time.Time
	logBuffer *LogBuffer // nil when not using buffered logging
}

// New creates a Server with middleware and routes configured. The hub
// carries cancellation updates into the SSE stream; the registry resolves
// submissions to callback URLs and retry policy.
func New(cfg *config.Config, logger *slog.Logger, store *jobs.Store, submitter *jobs.Submitter, registry *tasks.Registry, hub *realtime.Hub) *Server {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		store:     store,
		hub:       hub,
		startTime: time.Now(),
	}

	var tokens *realtime.StreamTokens
	if secret := cfg.StreamSecret(); secret != "" {
		tokens = realtime.NewStreamTokens(secret, streamTokenTTL)
	}
	streamHandler := realtime.NewHandler(hub, tokens, cfg.Server.InternalSecret, logger)

	// Health check (unauthenticated).
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// The SSE stream authorizes itself via stream tokens because
		// EventSource cannot set headers.
		r.Get("/jobs/{id}/events", streamHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(requireSecret(cfg.Server.InternalSecret))
			r.Use(middleware.AllowContentType("application/json"))

			r.Post("/jobs/create", handleCreateJob(registry, submitter))
			r.Get("/jobs", handleListJobs(store))
			r.Get("/jobs/{id}/status", handleJobStatus(store))
			r.Post("/jobs/{id}/cancel", handleCancelJob(store, hub))
			r.Post("/jobs/{id}/stream-token", handleStreamToken(store, tokens))
			r.Get("/stats", s.handleStats)
			r.Get("/logs", s.handleRecentLogs)
		})
	})

	return s
}

// SetLogBuffer attaches a log buffer for the /api/logs endpoint.
func (s *Server) SetLogBuffer(lb *LogBuffer) {
	s.logBuffer = lb
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests, or HTTPS with managed
// certificates when server.tls is enabled.
func (s *Server) Start() error {
	if s.cfg.Server.TLS {
		return s.startTLS()
	}

	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// startTLS obtains and renews certificates for the configured domain and
// serves HTTPS on the standard ports.
func (s *Server) startTLS() error {
	certmagic.DefaultACME.Agreed = true
	if s.cfg.Server.TLSEmail != "" {
		certmagic.DefaultACME.Email = s.cfg.Server.TLSEmail
	}

	s.logger.Info("server starting with managed TLS", "domain", s.cfg.Server.TLSDomain)
	if err := certmagic.HTTPS([]string{s.cfg.Server.TLSDomain}, s.router); err != nil {
		return fmt.Errorf("tls server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and closes the stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
