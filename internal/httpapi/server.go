// Package httpapi exposes the courier REST surface: topic and task
// management for clients, and the sandbox message webhook for deployments
// where sandboxes push over HTTP instead of the streaming session.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/courier/internal/app"
	"github.com/antoniostano/courier/internal/config"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/pipeline"
)

type Server struct {
	cfg     config.Config
	svc     *app.Service
	msgs    messages.Store
	pipe    *pipeline.Pipeline
	metrics *observability.Metrics
}

func New(cfg config.Config, svc *app.Service, msgs messages.Store, pipe *pipeline.Pipeline, metrics *observability.Metrics) *Server {
	return &Server{cfg: cfg, svc: svc, msgs: msgs, pipe: pipe, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/topics", s.handleCreateTopic)
	r.Get("/v1/topics/{id}", s.handleGetTopic)
	r.Post("/v1/topics/{id}/tasks", s.handleStartTask)
	r.Get("/v1/topics/{id}/messages", s.handleListMessages)

	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/interrupt", s.handleInterruptTask)

	r.Post("/v1/sandbox/messages", s.handleSandboxMessage)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
