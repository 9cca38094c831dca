package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/courier/internal/app"
)

type startTaskRequest struct {
	ProjectID   string          `json:"project_id"`
	Prompt      string          `json:"prompt"`
	Attachments json.RawMessage `json:"attachments"`
}

type interruptTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	topicID := strings.TrimSpace(chi.URLParam(r, "id"))
	if topicID == "" {
		respondError(w, http.StatusBadRequest, "invalid_topic_id", "missing topic id")
		return
	}

	var req startTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	t, err := s.svc.StartTask(r.Context(), topicID, req.ProjectID, req.Prompt, req.Attachments)
	if err != nil {
		if errors.Is(err, app.ErrTopicNotFound) {
			respondError(w, http.StatusNotFound, "topic_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	t, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req interruptTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "user interrupt"
	}

	t, err := s.svc.InterruptTask(r.Context(), id, req.Reason)
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_interrupt_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}
