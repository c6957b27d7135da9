// Package api is the HTTP surface: feedback ingress for CRM and platform
// webhooks, and read endpoints for recommendations, queued changes, and
// winner patterns.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/adpilot/internal/config"
)

// Server wraps the router in an http.Server with graceful shutdown.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer builds the API server.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		cfg:     cfg,
		handler: SetupRoutes(h),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
