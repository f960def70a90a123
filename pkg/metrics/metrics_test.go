package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregates(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /graphql", 200, 10*time.Millisecond)
	r.Observe("POST /graphql", 200, 30*time.Millisecond)
	r.Observe("POST /graphql", 429, 2*time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["POST /graphql"]
	if !ok {
		t.Fatalf("endpoint missing: %+v", snap.Endpoints)
	}
	if stat.Count != 3 || stat.ErrorCount != 1 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.TotalMillis != 42 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.LastStatusCode != 429 {
		t.Fatalf("lastStatus = %d", stat.LastStatusCode)
	}
	if stat.AverageMillis != 14 {
		t.Fatalf("average = %v", stat.AverageMillis)
	}
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.IncOperation("createTask")
	r.IncOperation("createTask")
	r.IncOperation("  ")
	r.IncAuthBind("Bound")
	r.IncAuthBind("anonymous")
	r.SetGauge("pool_size", 7)

	snap := r.Snapshot()
	if snap.Operations["createTask"] != 2 {
		t.Fatalf("operations = %v", snap.Operations)
	}
	if len(snap.Operations) != 1 {
		t.Fatalf("blank operation must be ignored: %v", snap.Operations)
	}
	if snap.AuthBinds["bound"] != 1 || snap.AuthBinds["anonymous"] != 1 {
		t.Fatalf("authBinds = %v", snap.AuthBinds)
	}
	if snap.Gauges["pool_size"] != 7 {
		t.Fatalf("gauges = %v", snap.Gauges)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /health", 200, time.Millisecond)
	snap := r.Snapshot()
	r.Observe("GET /health", 200, time.Millisecond)
	if snap.Endpoints["GET /health"].Count != 1 {
		t.Fatal("snapshot must not track later writes")
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncAuthBind("bound")
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.AuthBinds["bound"] != 1 || snap.GeneratedAt == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /graphql", 200, 5*time.Millisecond)
	r.IncOperation("tasks")
	r.IncAuthBind("invalid")

	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`tasklist_endpoint_count{endpoint="POST /graphql"} 1`,
		`tasklist_operation_total{operation="tasks"} 1`,
		`tasklist_auth_bind_total{outcome="invalid"} 1`,
		"# TYPE tasklist_endpoint_count counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
}
