package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/memorybridge/internal/config"
	"github.com/antoniostano/memorybridge/internal/ingest"
	"github.com/antoniostano/memorybridge/internal/memory"
	"github.com/antoniostano/memorybridge/internal/observability"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry("test_httpapi", reg)
	svc := ingest.NewService(memory.NewInMemoryStore(), nil, metrics, ingest.Config{})
	ts := httptest.NewServer(New(cfg, svc, observability.MetricsHandlerFor(reg)).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res, out
}

func TestRememberAndRecall(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res, body := postJSON(t, ts.URL+"/remember", `{
		"content": "Human: Don't forget the meeting",
		"user_id": "user-1",
		"importance": 0.9,
		"timestamp": 1700000000000,
		"metadata": {"source": "capture_agent", "role": "Human"},
		"fingerprint": "fp-1"
	}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remember status = %d, body = %v", res.StatusCode, body)
	}
	if body["status"] != "success" {
		t.Fatalf("status = %v, want success", body["status"])
	}
	if body["timestamp"] != float64(1700000000000) {
		t.Fatalf("timestamp = %v, want explicit value", body["timestamp"])
	}

	_, dup := postJSON(t, ts.URL+"/remember", `{"content":"Human: Don't forget the meeting","user_id":"user-1","fingerprint":"fp-1"}`)
	if dup["status"] != "duplicate" || dup["timestamp"] != float64(1700000000000) {
		t.Fatalf("duplicate response = %v", dup)
	}

	res, recall := getJSON(t, ts.URL+"/recall/user-1?limit=5&min_importance=0.5")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recall status = %d", res.StatusCode)
	}
	if recall["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", recall["count"])
	}
	memories := recall["memories"].([]any)
	first := memories[0].(map[string]any)
	if first["content"] != "Human: Don't forget the meeting" || first["importance"] != 0.9 {
		t.Fatalf("memory = %v", first)
	}
}

func TestRememberValidationErrors(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	cases := []string{
		``,
		`{"content": "hi there"`,
		`{"content": "", "user_id": "u1"}`,
		`{"content": "hello there", "user_id": "u1", "importance": 3}`,
		`{"content": "hello there", "user_id": "u1", "timestamp": "yesterday"}`,
	}
	for _, body := range cases {
		res, out := postJSON(t, ts.URL+"/remember", body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, res.StatusCode)
		}
		if out["code"] != "INVALID_REQUEST" || out["error"] == "" {
			t.Fatalf("body %q: error response = %v", body, out)
		}
	}
}

func TestRecallRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, out := getJSON(t, ts.URL+"/recall/user-1?start_date=whenever")
	if res.StatusCode != http.StatusBadRequest || out["code"] != "INVALID_REQUEST" {
		t.Fatalf("status = %d, body = %v", res.StatusCode, out)
	}
}

func TestRecentFallsBackToStore(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	now := time.Now().UnixMilli()
	postJSON(t, ts.URL+"/remember", `{"content":"Assistant: Good morning to you","user_id":"user-2","timestamp":`+jsonInt(now)+`}`)

	res, out := getJSON(t, ts.URL+"/recent/user-2?limit=3")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recent status = %d", res.StatusCode)
	}
	if out["source"] != "store" || out["count"] != float64(1) {
		t.Fatalf("recent response = %v", out)
	}

	res, _ = getJSON(t, ts.URL+"/recent/user-2?limit=zero")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", res.StatusCode)
	}
}

func TestRelationship(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	_, out := getJSON(t, ts.URL+"/relationship/user-3")
	if out["message"] != "No relationship found" || out["user_id"] != "user-3" {
		t.Fatalf("missing relationship response = %v", out)
	}

	postJSON(t, ts.URL+"/remember", `{"content":"Human: we went hiking","user_id":"user-3","timestamp":1000}`)
	_, out = getJSON(t, ts.URL+"/relationship/user-3")
	if out["shared_memories"] != float64(1) || out["first_contact"] != float64(1000) {
		t.Fatalf("relationship = %v", out)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		res, out := getJSON(t, ts.URL+path)
		if res.StatusCode != http.StatusOK || out["status"] != "healthy" {
			t.Fatalf("%s: status = %d, body = %v", path, res.StatusCode, out)
		}
		if out["store"] != "memory" || out["cache"] != "disabled" {
			t.Fatalf("%s: modes = %v / %v", path, out["store"], out["cache"])
		}
	}

	postJSON(t, ts.URL+"/remember", `{"content":"Human: counted in metrics","user_id":"user-4"}`)
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(res.Body)
	if !strings.Contains(buf.String(), `test_httpapi_memories_ingested_total{status="success"} 1`) {
		t.Fatalf("metrics output missing ingest counter:\n%s", buf.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, config.Config{AllowAnyOrigin: true})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/remember", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("Access-Control-Allow-Methods = %q, want POST", got)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q on a simple request, want *", got)
	}

	closed := newTestServer(t, config.Config{})
	res, _ = getJSON(t, closed.URL+"/health")
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q without AllowAnyOrigin", got)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
