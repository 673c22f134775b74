package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) registerRoutes(r chi.Router) {
	h := s.handlers

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", h.Health)
		r.Get("/status", h.Status)

		// Job run log
		r.Get("/jobruns", h.ListJobRuns)

		// Index output
		r.Get("/levels", h.ListLevels)
		r.Get("/levels/latest", h.LatestLevel)
		r.Get("/constituents/{date}", h.GetConstituents)
	})
}
