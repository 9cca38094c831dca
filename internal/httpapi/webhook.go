package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/antoniostano/courier/internal/pipeline"
	"github.com/antoniostano/courier/internal/sandbox"
)

// handleSandboxMessage is the push-mode ingestion path. It accepts one raw
// envelope per request; concurrent posts for the same sandbox serialize on
// the sandbox lock inside the pipeline, so this handler needs no locking of
// its own.
func (s *Server) handleSandboxMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "empty body")
		return
	}

	env, err := sandbox.ParseEnvelope(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		return
	}

	stored, err := s.pipe.Deliver(r.Context(), env)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnknownSandbox):
			respondError(w, http.StatusNotFound, "unknown_sandbox", err.Error())
		case errors.Is(err, pipeline.ErrSandboxBusy):
			respondError(w, http.StatusServiceUnavailable, "sandbox_busy", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "delivery_failed", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":     stored.ID,
		"seq_id": stored.SeqID,
	})
}
