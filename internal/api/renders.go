package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listRendersResponse wraps the paginated list response.
type listRendersResponse struct {
	Renders []*model.Render `json:"renders"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRender(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "render not found")
		return
	}
	if err != nil {
		s.logger.Error("get render", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get render")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRenders(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	renders, total, err := s.store.ListRenders(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list renders", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list renders")
		return
	}

	if renders == nil {
		renders = []*model.Render{}
	}

	s.writeJSON(w, http.StatusOK, listRendersResponse{
		Renders: renders,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
