package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/target"
)

const maxBodySize = 1 << 20 // 1 MB

type submitJobResponse struct {
	Status string `json:"status"`
}

// handleSubmitJob accepts a job in the broker message format and renders it
// in the background.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "render engine not running")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := s.engine.Submit(body); err != nil {
		switch {
		case errors.Is(err, model.ErrMalformedJob),
			errors.Is(err, target.ErrUnknownKind),
			errors.Is(err, target.ErrInvalidPayload):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitJobResponse{Status: "accepted"})
}
