package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/orchestrator"
	"github.com/camatools/pacsync/internal/resilience"
	"github.com/camatools/pacsync/internal/types"
)

const testToken = "secret-token"

type serverFixture struct {
	server  *Server
	manager *jobs.Manager
	orch    *orchestrator.Orchestrator
	ts      *httptest.Server
}

// newServerFixture builds a control plane over a real manager and an
// in-memory job store. The manager is not started, so submitted jobs
// stay pending unless a test starts it.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store, err := jobs.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := jobs.NewManager(store, store, jobs.ManagerConfig{SweepInterval: time.Hour})
	manager.RegisterRunner(types.JobFullSync, jobs.RunnerFunc(
		func(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
			return &types.SyncSummary{Processed: 1, Succeeded: 1}, nil
		}))
	manager.RegisterRunner(types.JobIncrementalSync, jobs.RunnerFunc(
		func(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
			return &types.SyncSummary{}, nil
		}))

	orch := orchestrator.New()
	f := &serverFixture{
		server:  NewServer(manager, orch, nil, "127.0.0.1:0", testToken, "test"),
		manager: manager,
		orch:    orch,
	}
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}, authed bool) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

func decodeJob(t *testing.T, data []byte) *types.Job {
	t.Helper()
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("decode job: %v (%s)", err, data)
	}
	return &job
}

func TestSubmitFullSync(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/sync/full",
		submitRequest{TenantID: "clark-county", EntityTypes: []string{"property"}}, true)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", resp.StatusCode, body)
	}
	job := decodeJob(t, body)
	if job.Kind != types.JobFullSync || job.TenantID != "clark-county" || job.Status != types.JobPending {
		t.Errorf("job = %+v", job)
	}
	if job.Params["entity_types"] == nil {
		t.Error("entity_types param not forwarded")
	}
}

func TestSubmitValidationError(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/sync/incremental", submitRequest{TenantID: ""}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", resp.StatusCode, body)
	}

	var e map[string]string
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e["error_code"] != "bad_request" {
		t.Errorf("error_code = %s", e["error_code"])
	}
	if e["correlation_id"] == "" {
		t.Error("error body missing correlation_id")
	}
}

func TestSubmitMalformedJSON(t *testing.T) {
	f := newServerFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/sync/full", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusAndNotFound(t *testing.T) {
	f := newServerFixture(t)
	_, body := f.request(t, http.MethodPost, "/sync/full", submitRequest{TenantID: "clark-county"}, true)
	submitted := decodeJob(t, body)

	resp, body := f.request(t, http.MethodGet, "/sync/status/"+submitted.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if got := decodeJob(t, body); got.ID != submitted.ID {
		t.Errorf("returned job %s, want %s", got.ID, submitted.ID)
	}

	resp, _ = f.request(t, http.MethodGet, "/sync/status/nope", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelPendingAndTerminal(t *testing.T) {
	f := newServerFixture(t)
	_, body := f.request(t, http.MethodPost, "/sync/full", submitRequest{TenantID: "clark-county"}, true)
	submitted := decodeJob(t, body)

	resp, body := f.request(t, http.MethodPost, "/sync/cancel/"+submitted.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d (%s)", resp.StatusCode, body)
	}
	if got := decodeJob(t, body); got.Status != types.JobCancelled {
		t.Errorf("status after cancel = %s", got.Status)
	}

	// Cancelling a terminal job is a state conflict.
	resp, body = f.request(t, http.MethodPost, "/sync/cancel/"+submitted.ID, nil, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409 (%s)", resp.StatusCode, body)
	}
	var e map[string]string
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e["error_code"] != "invalid_transition" {
		t.Errorf("error_code = %s", e["error_code"])
	}
}

func TestListJobs(t *testing.T) {
	f := newServerFixture(t)
	for i := 0; i < 3; i++ {
		f.request(t, http.MethodPost, "/sync/full", submitRequest{TenantID: "clark-county"}, true)
	}

	resp, body := f.request(t, http.MethodGet, "/sync/jobs?status=pending&limit=2", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Jobs) != 2 {
		t.Errorf("listed %d jobs, want limit 2", len(out.Jobs))
	}

	resp, _ = f.request(t, http.MethodGet, "/sync/jobs?status=bogus", nil, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodPost, "/sync/full"},
		{http.MethodGet, "/sync/jobs"},
		{http.MethodGet, "/sync/status/x"},
	}
	for _, p := range paths {
		resp, _ := f.request(t, p.method, p.path, nil, false)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}

	// Wrong token is also rejected.
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/sync/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", resp.StatusCode)
	}

	// Health endpoints stay open.
	resp, _ = f.request(t, http.MethodGet, "/health/live", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness without token = %d, want 200", resp.StatusCode)
	}
}

func TestLivenessFlipsWhileDraining(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/health/live", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}

	f.server.Draining()
	resp, body = f.request(t, http.MethodGet, "/health/live", nil, false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining status = %d, want 503", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "shutting_down" {
		t.Errorf("status field = %v", out["status"])
	}
}

func TestReadinessReflectsResourceHealth(t *testing.T) {
	f := newServerFixture(t)
	fail := false
	err := f.orch.RegisterHealthCheck("source", func(ctx context.Context) error {
		if fail {
			return context.DeadlineExceeded
		}
		return nil
	}, orchestrator.HealthCheckConfig{Interval: time.Nanosecond, FailureThreshold: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.orch.RegisterBreaker("source", resilience.BreakerConfig{FailureThreshold: 3})

	resp, body := f.request(t, http.MethodGet, "/health/ready", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}

	fail = true
	f.orch.RunHealthPass(context.Background())
	resp, body = f.request(t, http.MethodGet, "/health/ready", nil, false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded readiness = %d, want 503 (%s)", resp.StatusCode, body)
	}
	var out struct {
		Status    string                     `json:"status"`
		Resources map[string]json.RawMessage `json:"resources"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "not_ready" {
		t.Errorf("status = %s", out.Status)
	}
	if _, ok := out.Resources["source"]; !ok {
		t.Error("resources missing the registered check")
	}
}

type staticSnapshot string

func (s staticSnapshot) Snapshot() string { return string(s) }

func TestMetricsEndpoint(t *testing.T) {
	store, err := jobs.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	manager := jobs.NewManager(store, store, jobs.ManagerConfig{})
	server := NewServer(manager, orchestrator.New(), staticSnapshot("pacsync_up 1\n"), "127.0.0.1:0", "", "test")

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "pacsync_up 1") {
		t.Errorf("metrics = %d %q", resp.StatusCode, buf.String())
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}
}
