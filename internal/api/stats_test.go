package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/cauldron/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	stats := decode[statsResponse](t, resp)
	if stats.TotalExperiments != 0 || stats.TotalRuns != 0 {
		t.Errorf("stats = %+v, want zeros", stats)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	done := createExperiment(t, ts.URL)
	if _, err := srv.engine.Run(context.Background(), done.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	createExperiment(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	stats := decode[statsResponse](t, resp)

	if stats.TotalExperiments != 2 {
		t.Errorf("total_experiments = %d, want 2", stats.TotalExperiments)
	}
	if stats.ExperimentsByStatus[model.StatusCompleted] != 1 || stats.ExperimentsByStatus[model.StatusPending] != 1 {
		t.Errorf("experiments_by_status = %v", stats.ExperimentsByStatus)
	}
	if stats.TotalRuns != 4 {
		t.Errorf("total_runs = %d, want 4", stats.TotalRuns)
	}
	echo := stats.RunsByBackend["echo"]
	if echo[model.StatusCompleted] != 2 || echo[model.StatusFailed] != 2 {
		t.Errorf("runs_by_backend[echo] = %v", echo)
	}
}
