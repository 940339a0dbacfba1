package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	// userHeader carries the caller's identity. It is informational only.
	userHeader  = "X-User-ID"
	anonymousID = "anonymous"
)

// listExperimentsResponse wraps the paginated list response.
type listExperimentsResponse struct {
	Experiments []*model.Experiment `json:"experiments"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// runsResponse is the JSON response for GET /v1/experiments/{id}/runs.
type runsResponse struct {
	ExperimentID string      `json:"experiment_id"`
	Status       string      `json:"status"`
	Runs         []model.Run `json:"runs"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var cfg model.ExperimentConfig
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	createdBy := r.Header.Get(userHeader)
	if createdBy == "" {
		createdBy = anonymousID
	}

	exp, err := s.engine.Create(r.Context(), cfg, createdBy)
	if errors.Is(err, model.ErrInvalidConfig) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create experiment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create experiment")
		return
	}

	s.writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.lookupExperiment(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	experiments, total, err := s.engine.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list experiments", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list experiments")
		return
	}

	if experiments == nil {
		experiments = []*model.Experiment{}
	}

	s.writeJSON(w, http.StatusOK, listExperimentsResponse{
		Experiments: experiments,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// handleRunExperiment executes a pending experiment. By default it blocks
// until the result is ready; with ?async=true it returns 202 immediately.
func (s *Server) handleRunExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		exp, err := s.engine.Start(r.Context(), id)
		if err != nil {
			s.writeRunError(w, id, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, exp)
		return
	}

	// Synchronous experiments can outlast the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	result, err := s.engine.Run(r.Context(), id)
	if err != nil {
		s.writeRunError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeRunError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, engine.ErrExperimentNotFound):
		s.writeError(w, http.StatusNotFound, "experiment not found")
	case errors.Is(err, engine.ErrNotPending):
		s.writeError(w, http.StatusConflict, "experiment is not pending")
	case errors.Is(err, engine.ErrDraining):
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.logger.Error("run experiment", "experiment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "experiment execution failed: "+err.Error())
	}
}

func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.lookupExperiment(w, r)
	if !ok {
		return
	}

	runs, err := s.store.GetRuns(r.Context(), exp.ID)
	if err != nil {
		s.logger.Error("get runs", "experiment_id", exp.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get runs")
		return
	}

	s.writeJSON(w, http.StatusOK, runsResponse{
		ExperimentID: exp.ID,
		Status:       exp.Status,
		Runs:         runs,
	})
}

// lookupExperiment loads the {id} experiment, writing 404 or 500 on failure.
func (s *Server) lookupExperiment(w http.ResponseWriter, r *http.Request) (*model.Experiment, bool) {
	id := chi.URLParam(r, "id")

	exp, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, engine.ErrExperimentNotFound) {
		s.writeError(w, http.StatusNotFound, "experiment not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get experiment", "experiment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get experiment")
		return nil, false
	}
	return exp, true
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
