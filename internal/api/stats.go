package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	TotalExperiments    int                       `json:"total_experiments"`
	ExperimentsByStatus map[string]int            `json:"experiments_by_status"`
	TotalRuns           int                       `json:"total_runs"`
	RunsByBackend       map[string]map[string]int `json:"runs_by_backend"`
	AvgRunDurationMS    float64                   `json:"avg_run_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalExperiments:    stats.TotalExperiments,
		ExperimentsByStatus: stats.ExperimentsByStatus,
		TotalRuns:           stats.TotalRuns,
		RunsByBackend:       stats.RunsByBackend,
		AvgRunDurationMS:    stats.AvgRunDurationMS,
	})
}
