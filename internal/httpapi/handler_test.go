package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/httpapi"
	"pkt.systems/tripd/internal/probe"
	"pkt.systems/tripd/internal/run"
	"pkt.systems/tripd/internal/storage/memory"
)

func newServer(t *testing.T, cfg httpapi.Config) *httptest.Server {
	t.Helper()
	if cfg.Controller == nil {
		ctrl, err := run.New(run.Options{
			Store:  memory.New(),
			Prober: probe.NewSynthetic(probe.SyntheticConfig{Seed: 1, BaseLatencyMS: 1}),
		})
		if err != nil {
			t.Fatalf("controller: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ctrl.Shutdown(ctx)
		})
		cfg.Controller = ctrl
	}
	if cfg.BackendName == "" {
		cfg.BackendName = "memory"
	}
	handler, err := httpapi.New(cfg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestStartStatusLifecycle(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})

	var idle api.StatusResponse
	if status := getJSON(t, server.URL+"/v1/run/status", &idle); status != http.StatusOK {
		t.Fatalf("status code = %d", status)
	}
	if !idle.OK || idle.Phase != "idle" || idle.ETASeconds != -1 {
		t.Fatalf("idle snapshot = %+v", idle)
	}

	var started api.StartRunResponse
	code := postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{
		Mode: "burst",
		Params: map[string]any{
			"warmup_seconds":   0.05,
			"baseline_seconds": 0.05,
			"trip_seconds":     0.05,
			"recovery_seconds": 0.05,
		},
	}, &started)
	if code != http.StatusAccepted {
		t.Fatalf("start code = %d (%+v)", code, started)
	}
	if !started.OK || started.RunID == "" || started.Status != "starting" {
		t.Fatalf("start response = %+v", started)
	}

	deadline := time.Now().Add(10 * time.Second)
	var snapshot api.StatusResponse
	for time.Now().Before(deadline) {
		getJSON(t, server.URL+"/v1/run/status?run_id="+started.RunID, &snapshot)
		if snapshot.Phase == "complete" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snapshot.Phase != "complete" {
		t.Fatalf("run did not complete: %+v", snapshot)
	}
	if snapshot.Progress != 100 || snapshot.ETASeconds != 0 {
		t.Fatalf("terminal snapshot = %+v", snapshot)
	}

	var report api.ReportResponse
	getJSON(t, server.URL+"/v1/run/report?run_id="+started.RunID, &report)
	if !report.OK || report.Report == nil {
		t.Fatalf("report = %+v", report)
	}
	if report.Report.TerminalPhase != "complete" {
		t.Fatalf("terminal_phase = %s", report.Report.TerminalPhase)
	}
	if report.Report.Summary == "" {
		t.Fatal("summary line empty")
	}
}

func TestStartRefusalsAndValidation(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})

	var first api.StartRunResponse
	postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{
		Mode:   "burst",
		Params: map[string]any{"warmup_seconds": 60},
	}, &first)
	if !first.OK {
		t.Fatalf("first start refused: %+v", first)
	}

	var second api.StartRunResponse
	code := postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{Mode: "burst"}, &second)
	if code != http.StatusOK || second.OK || second.Error != "already_running" {
		t.Fatalf("second start = %d %+v", code, second)
	}

	var bad api.ErrorResponse
	code = postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{
		Mode:   "burst",
		Params: map[string]any{"no_such_field": 1},
	}, &bad)
	if code != http.StatusBadRequest || bad.ErrorCode != "validation_failed" {
		t.Fatalf("unknown field = %d %+v", code, bad)
	}

	var cancel api.ProgressResponse
	postJSON(t, server.URL+"/v1/run/cancel", map[string]string{"run_id": first.RunID}, &cancel)
	if !cancel.OK {
		t.Fatalf("cancel = %+v", cancel)
	}
}

func TestProgressRunIDGate(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})

	var started api.StartRunResponse
	postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{
		Mode:   "burst",
		Params: map[string]any{"warmup_seconds": 60},
	}, &started)

	var rejected api.ProgressResponse
	code := postJSON(t, server.URL+"/v1/run/progress", api.ProgressRequest{
		RunID:    "stale-id",
		Phase:    "warmup",
		Progress: 90,
	}, &rejected)
	if code != http.StatusOK {
		t.Fatalf("progress code = %d, rejects must not be transport errors", code)
	}
	if rejected.OK || rejected.Error != "run_id mismatch" {
		t.Fatalf("rejected = %+v", rejected)
	}

	var snapshot api.StatusResponse
	getJSON(t, server.URL+"/v1/run/status", &snapshot)
	if snapshot.Counters.RejectedUpdates == 0 {
		t.Fatal("rejected update not counted")
	}
	if snapshot.Progress == 90 {
		t.Fatal("stale progress applied")
	}

	var cancel api.ProgressResponse
	postJSON(t, server.URL+"/v1/run/cancel", map[string]string{"run_id": started.RunID}, &cancel)
}

func TestReportNotFound(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})
	var report api.ReportResponse
	if code := getJSON(t, server.URL+"/v1/run/report?run_id=nope", &report); code != http.StatusOK {
		t.Fatalf("code = %d, report reads never 5xx", code)
	}
	if report.OK || report.Error != "report_not_found" {
		t.Fatalf("report = %+v", report)
	}
}

func TestConfigEndpointSources(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})

	var cfg api.ConfigResponse
	getJSON(t, server.URL+"/v1/config", &cfg)
	if !cfg.OK || cfg.Source != "resolved" {
		t.Fatalf("config = %+v", cfg)
	}
	if len(cfg.PrecedenceChain) == 0 || len(cfg.EffectiveParams) == 0 {
		t.Fatalf("config missing fields: %+v", cfg)
	}

	var started api.StartRunResponse
	postJSON(t, server.URL+"/v1/run/start", api.StartRunRequest{
		Mode:   "burst",
		Params: map[string]any{"warmup_seconds": 60, "concurrency": 7},
	}, &started)

	getJSON(t, server.URL+"/v1/config", &cfg)
	if cfg.Source != "active_run" {
		t.Fatalf("source = %s, want active_run", cfg.Source)
	}
	if cfg.EffectiveParams["concurrency"] != float64(7) {
		t.Fatalf("concurrency = %v", cfg.EffectiveParams["concurrency"])
	}
	var cancel api.ProgressResponse
	postJSON(t, server.URL+"/v1/run/cancel", map[string]string{"run_id": started.RunID}, &cancel)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	ready := false
	server := newServer(t, httpapi.Config{
		Degraded: func() bool { return true },
		Ready:    func() bool { return ready },
	})

	var health api.HealthResponse
	if code := getJSON(t, server.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz code = %d", code)
	}
	if !health.OK || !health.Degraded || health.Backend != "memory" {
		t.Fatalf("health = %+v", health)
	}

	if code := getJSON(t, server.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while not ready = %d", code)
	}
	ready = true
	if code := getJSON(t, server.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz while ready = %d", code)
	}
}

func TestMethodGuards(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})
	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/run/start"},
		{http.MethodPost, "/v1/run/status"},
		{http.MethodPost, "/v1/config"},
		{http.MethodGet, "/v1/run/progress"},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, server.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	t.Parallel()
	server := newServer(t, httpapi.Config{})
	resp, err := http.Post(server.URL+"/v1/run/start", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", resp.StatusCode)
	}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ErrorCode != "invalid_json" {
		t.Fatalf("error = %+v", body)
	}
}
