package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/cauldron/internal/model"
)

const validExperiment = `{
	"name": "greetings",
	"prompt_template": "Say hello to {name}",
	"backends": ["echo"],
	"models": {"echo": ["fast", "broken"]},
	"test_cases": [{"name": "Ada"}, {"name": "Linus"}]
}`

func postJSON(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createExperiment(t *testing.T, baseURL string) *model.Experiment {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/experiments", validExperiment, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	exp := decode[model.Experiment](t, resp)
	return &exp
}

func TestCreateExperimentValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/experiments", validExperiment, map[string]string{userHeader: "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	exp := decode[model.Experiment](t, resp)

	if exp.ID == "" {
		t.Error("experiment_id is empty")
	}
	if exp.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", exp.Status)
	}
	if exp.CreatedBy != "alice" {
		t.Errorf("created_by = %q, want alice", exp.CreatedBy)
	}
	if exp.Config.PromptTemplate != "Say hello to {name}" {
		t.Errorf("prompt_template = %q", exp.Config.PromptTemplate)
	}
}

func TestCreateExperimentAnonymous(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	exp := createExperiment(t, ts.URL)
	if exp.CreatedBy != anonymousID {
		t.Errorf("created_by = %q, want %q", exp.CreatedBy, anonymousID)
	}
}

func TestCreateExperimentInvalid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing name", `{"prompt_template": "x"}`},
		{"temperature out of range", `{"name": "x", "prompt_template": "x", "temperature": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/experiments", tt.body, nil)
			body := decode[map[string]string](t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if body["error"] == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestGetExperiment(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createExperiment(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/experiments/" + created.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[model.Experiment](t, resp)
	if got.ID != created.ID {
		t.Errorf("experiment_id = %q, want %q", got.ID, created.ID)
	}
}

func TestGetExperimentNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/experiments/nope", "/v1/experiments/nope/runs", "/v1/experiments/nope/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListExperiments(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/experiments")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	empty := decode[listExperimentsResponse](t, resp)
	if empty.Experiments == nil || len(empty.Experiments) != 0 || empty.Total != 0 {
		t.Errorf("empty list = %+v", empty)
	}
	if empty.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", empty.Limit, defaultListLimit)
	}

	for range 3 {
		createExperiment(t, ts.URL)
	}

	resp, err = http.Get(ts.URL + "/v1/experiments?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	page := decode[listExperimentsResponse](t, resp)
	if page.Total != 3 || len(page.Experiments) != 2 || page.Offset != 1 {
		t.Errorf("page = total %d, len %d, offset %d", page.Total, len(page.Experiments), page.Offset)
	}
}

func TestRunExperimentSync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	exp := createExperiment(t, ts.URL)

	resp := postJSON(t, ts.URL+"/v1/experiments/"+exp.ID+"/run", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decode[model.ExperimentResult](t, resp)

	if result.TotalRuns != 4 || result.SuccessfulRuns != 2 || result.FailedRuns != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", result.TotalRuns, result.SuccessfulRuns, result.FailedRuns)
	}
	if result.Runs[0].ResponseText != "Say hello to Ada" {
		t.Errorf("runs[0].response_text = %q", result.Runs[0].ResponseText)
	}

	// Second run is a conflict.
	resp = postJSON(t, ts.URL+"/v1/experiments/"+exp.ID+"/run", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second run status = %d, want 409", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/experiments/" + exp.ID + "/runs")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	runs := decode[runsResponse](t, resp)
	if runs.Status != model.StatusCompleted || len(runs.Runs) != 4 {
		t.Errorf("runs = %s, %d runs", runs.Status, len(runs.Runs))
	}
	for i := range runs.Runs {
		if runs.Runs[i].ID != result.Runs[i].ID {
			t.Errorf("runs[%d] out of order", i)
		}
	}
}

func TestRunExperimentNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, q := range []string{"", "?async=true"} {
		resp := postJSON(t, ts.URL+"/v1/experiments/missing/run"+q, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("run%s status = %d, want 404", q, resp.StatusCode)
		}
	}
}

func TestRunExperimentAsync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	exp := createExperiment(t, ts.URL)

	resp := postJSON(t, ts.URL+"/v1/experiments/"+exp.ID+"/run?async=true", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	started := decode[model.Experiment](t, resp)
	if started.Status != model.StatusRunning {
		t.Errorf("status = %q, want running", started.Status)
	}

	srv.engine.Wait()

	resp, err := http.Get(ts.URL + "/v1/experiments/" + exp.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	final := decode[model.Experiment](t, resp)
	if final.Status != model.StatusCompleted {
		t.Errorf("final status = %q, want completed", final.Status)
	}
	if final.Result == nil || final.Result.TotalRuns != 4 {
		t.Errorf("result = %+v", final.Result)
	}
}

func TestRunExperimentErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	srv := newTestServer(t)

	srv.writeRunError(rec, "x", errors.New("record result: disk full"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disk full") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunExperimentKeepsNumberDigits(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{
		"name": "census",
		"prompt_template": "Population of {city} is {pop}",
		"backends": ["echo"],
		"models": {"echo": ["fast"]},
		"test_cases": [{"city": "Paris", "pop": 2100000}]
	}`
	resp := postJSON(t, ts.URL+"/v1/experiments", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	exp := decode[model.Experiment](t, resp)

	resp = postJSON(t, ts.URL+"/v1/experiments/"+exp.ID+"/run", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", resp.StatusCode)
	}
	result := decode[model.ExperimentResult](t, resp)
	if got := result.Runs[0].ResponseText; got != "Population of Paris is 2100000" {
		t.Errorf("response_text = %q", got)
	}
}

func TestRunExperimentWhileDraining(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	exp := createExperiment(t, ts.URL)
	srv.engine.Drain()

	resp := postJSON(t, ts.URL+"/v1/experiments/"+exp.ID+"/run", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
