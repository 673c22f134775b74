// Package server implements the read-only tridx status API.
package server

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/server/handlers"
	"github.com/dwsmith1983/tridx/internal/status"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Server is the tridx HTTP API server.
type Server struct {
	store    store.Store
	handlers *handlers.Handlers
	router   chi.Router
	addr     string
	logger   *slog.Logger
	srv      *http.Server
}

// New creates a new HTTP server. A nil cfg serves on the default address
// without authentication.
func New(cfg *types.ServerConfig, s store.Store, quotas []status.QuotaReporter, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &types.ServerConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultServerAddr
	}

	srv := &Server{
		store:    s,
		handlers: handlers.New(s, quotas, logger),
		addr:     addr,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(srv.withRequestID)
	r.Use(middleware.Recoverer)
	r.Use(requireKey(cfg.APIKey))

	srv.router = r
	srv.registerRoutes(r)
	r.Handle("/debug/vars", expvar.Handler())
	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests. It returns nil after Stop.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("status server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}
