package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/courier/internal/app"
)

type createTopicRequest struct {
	Name             string `json:"name"`
	UserID           string `json:"user_id"`
	OrganizationCode string `json:"organization_code"`
	Language         string `json:"language"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	tp, err := s.svc.CreateTopic(r.Context(), req.Name, req.UserID, req.OrganizationCode, req.Language)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "topic_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, tp)
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_topic_id", "missing topic id")
		return
	}

	tp, err := s.svc.GetTopic(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrTopicNotFound) {
			respondError(w, http.StatusNotFound, "topic_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "topic_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_topic_id", "missing topic id")
		return
	}

	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := s.msgs.ListByTopic(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "message_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}
