package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "cauldron-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "cauldron")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/cauldron")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

const backendsYAML = `
backends:
  - name: echo
    type: echo
    models: [echo-1, echo-2]
    options:
      latency_ms: 20
      fail_models: [echo-broken]
`

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	backendsPath := filepath.Join(dir, "backends.yaml")
	if err := os.WriteFile(backendsPath, []byte(backendsYAML), 0o644); err != nil {
		t.Fatalf("write backends file: %v", err)
	}

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"CAULDRON_LISTEN_ADDR="+addr,
		"CAULDRON_DB_PATH="+filepath.Join(dir, "test.db"),
		"CAULDRON_LOG_LEVEL=info",
		"CAULDRON_BACKENDS_FILE="+backendsPath,
		"CAULDRON_OTLP_ENDPOINT=",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func TestBinaryHealthz(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestBinaryMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	// One experiment so the run counters have samples.
	id := createExperiment(t, sp.url, `{"name":"m","prompt_template":"{x}","backends":["echo"],
		"models":{"echo":["echo-1"]},"test_cases":[{"x":"hi"}]}`)
	postRun(t, sp.url, id, false)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, name := range []string{
		"cauldron_http_requests_total",
		"cauldron_http_request_duration_seconds",
		"cauldron_runs_total",
		"cauldron_experiments_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestBinaryExperimentLifecycle(t *testing.T) {
	sp := startServer(t, getBinary(t))

	id := createExperiment(t, sp.url, `{
		"name": "lifecycle",
		"prompt_template": "Translate {word}",
		"backends": ["echo"],
		"models": {"echo": ["echo-1", "echo-broken"]},
		"test_cases": [{"word": "cat"}, {"word": "dog"}]
	}`)

	resp := postRun(t, sp.url, id, false)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("run status = %d, want 200\nbody: %s", resp.StatusCode, body)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["total_runs"] != float64(4) || result["successful_runs"] != float64(2) || result["failed_runs"] != float64(2) {
		t.Errorf("result counts = %v/%v/%v, want 4/2/2",
			result["total_runs"], result["successful_runs"], result["failed_runs"])
	}

	// Experiment data survives in SQLite and is visible through GET.
	exp := getJSON(t, sp.url+"/v1/experiments/"+id)
	if exp["status"] != "completed" {
		t.Errorf("status = %v, want completed", exp["status"])
	}
	if _, ok := exp["result"].(map[string]any); !ok {
		t.Error("completed experiment missing result")
	}

	again := postRun(t, sp.url, id, false)
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second run status = %d, want 409", again.StatusCode)
	}
}

func TestBinaryStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	found := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] != "request" {
			continue
		}
		found = true
		for _, key := range []string{"method", "path", "status", "duration_ms"} {
			if _, ok := entry[key]; !ok {
				t.Errorf("request log missing field %q", key)
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}

func createExperiment(t *testing.T, baseURL, body string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/v1/experiments", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/experiments: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d, want 201\nbody: %s", resp.StatusCode, b)
	}

	var exp map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&exp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, ok := exp["experiment_id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("experiment_id = %v, expected 26-char ULID", exp["experiment_id"])
	}
	if exp["status"] != "pending" {
		t.Errorf("status = %v, want pending", exp["status"])
	}
	return id
}

func postRun(t *testing.T, baseURL, id string, async bool) *http.Response {
	t.Helper()
	url := baseURL + "/v1/experiments/" + id + "/run"
	if async {
		url += "?async=true"
	}
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}
