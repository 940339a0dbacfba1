package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cauldron/internal/backend"
)

const backendProbeTimeout = 10 * time.Second

type modelsResponse struct {
	Backend string   `json:"backend"`
	Models  []string `json:"models"`
}

type backendHealthResponse struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.registry.List()
	s.writeJSON(w, http.StatusOK, backends)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.resolveBackend(w, name)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendProbeTimeout)
	defer cancel()

	models, err := b.ListModels(ctx)
	if err != nil {
		s.logger.Warn("list backend models", "backend", name, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to list models: "+err.Error())
		return
	}
	if models == nil {
		models = []string{}
	}

	s.writeJSON(w, http.StatusOK, modelsResponse{Backend: name, Models: models})
}

// handleBackendHealth reports reachability. An unhealthy backend is still a
// 200 response; only lookup failures change the status code.
func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.resolveBackend(w, name)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendProbeTimeout)
	defer cancel()

	resp := backendHealthResponse{Backend: name, Healthy: true}
	if err := b.HealthCheck(ctx); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolveBackend(w http.ResponseWriter, name string) (backend.Backend, bool) {
	b, err := s.registry.Resolve(name)
	switch {
	case errors.Is(err, backend.ErrNotRegistered):
		s.writeError(w, http.StatusNotFound, "backend not found")
		return nil, false
	case errors.Is(err, backend.ErrDisabled):
		s.writeError(w, http.StatusConflict, "backend disabled")
		return nil, false
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return b, true
}
