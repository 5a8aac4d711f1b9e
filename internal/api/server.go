// Package api exposes the session engine over HTTP: session CRUD and
// lifecycle, ladder preview, the dashboard summary, and the inbound hooks
// the platform calls when orders fill or the approval queue decides.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the HTTP API.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server on the given port.
func NewServer(port int, handlers *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("POST /api/kss/sessions", handlers.HandleCreate)
	mux.HandleFunc("GET /api/kss/sessions", handlers.HandleList)
	mux.HandleFunc("GET /api/kss/sessions/{id}", handlers.HandleGet)
	mux.HandleFunc("PATCH /api/kss/sessions/{id}", handlers.HandleAdjust)
	mux.HandleFunc("DELETE /api/kss/sessions/{id}", handlers.HandleDelete)
	mux.HandleFunc("POST /api/kss/sessions/{id}/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/kss/sessions/{id}/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/kss/sessions/{id}/check-tp", handlers.HandleCheckTP)
	mux.HandleFunc("POST /api/kss/sessions/clear-completed", handlers.HandleClearCompleted)
	mux.HandleFunc("GET /api/kss/summary", handlers.HandleSummary)
	mux.HandleFunc("POST /api/kss/preview", handlers.HandlePreview)

	mux.HandleFunc("POST /api/kss/hooks/fill", handlers.HandleFillHook)
	mux.HandleFunc("POST /api/kss/hooks/approved", handlers.HandleApprovedHook)
	mux.HandleFunc("POST /api/kss/hooks/rejected", handlers.HandleRejectedHook)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, draining in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
