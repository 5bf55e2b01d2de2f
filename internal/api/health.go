package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/pool"
)

type healthResponse struct {
	Status   string      `json:"status"`
	Pool     *pool.Stats `json:"pool,omitempty"`
	InFlight int64       `json:"in_flight"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.Pool = &st
	}
	if s.engine != nil {
		resp.InFlight = s.engine.InFlight()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
