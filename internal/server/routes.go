package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/ferry/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router) {
	h := handlers.New(s.orch, s.provider)
	h.SetLogger(s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", h.Health)

		// Project catalog
		r.Get("/projects", h.ListProjects)
		r.Get("/projects/{projectID}", h.GetProject)

		// Executions
		r.Post("/executions", h.StartExecution)
		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Get("/", h.GetExecution)
			r.Post("/cancel", h.CancelExecution)
			r.Get("/attachments", h.ListAttachments)
			r.Get("/identity-mappings", h.ListIdentityMappings)
			r.Get("/validations", h.ListValidations)
			r.Get("/report", h.GetReport)
		})

		// Queue
		r.Post("/queue/pause", h.PauseQueue)
		r.Post("/queue/resume", h.ResumeQueue)
		r.Get("/queue/stats", h.QueueStats)
		r.Get("/jobs/{jobID}", h.GetJob)
	})
}
