package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
)

type fakeSession struct {
	state string
}

func (f fakeSession) IsHealthy() bool { return f.state == pipeline.Running.String() }

func (f fakeSession) Status() pipeline.HealthStatus {
	return pipeline.HealthStatus{Healthy: f.IsHealthy(), Session: "s", State: f.state}
}

type fakeRelay struct {
	source, sink bool
}

func (f fakeRelay) IsHealthy() bool { return f.source && f.sink }

func (f fakeRelay) GetStatus() relay.HealthStatus {
	return relay.HealthStatus{Healthy: f.IsHealthy(), SourceConnected: f.source, SinkConnected: f.sink}
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		session SessionChecker
		relay   RelayChecker
		want    int
	}{
		{"running session", fakeSession{"running"}, nil, http.StatusOK},
		{"paused session", fakeSession{"paused"}, nil, http.StatusServiceUnavailable},
		{"connected relay", nil, fakeRelay{true, true}, http.StatusOK},
		{"running session, half relay", fakeSession{"running"}, fakeRelay{true, false}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []ServerOption
			if tt.session != nil {
				opts = append(opts, WithSession(tt.session))
			}
			if tt.relay != nil {
				opts = append(opts, WithRelay(tt.relay))
			}
			code, body := get(t, NewServer(":0", opts...).Handler(), "/health")
			if code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, code)
			}

			var status HealthStatus
			if err := json.Unmarshal([]byte(body), &status); err != nil {
				t.Fatalf("Failed to decode health status: %v", err)
			}
			if status.Healthy != (tt.want == http.StatusOK) {
				t.Errorf("Expected healthy=%v, got %v", tt.want == http.StatusOK, status.Healthy)
			}
			if (status.Session != nil) != (tt.session != nil) {
				t.Errorf("Unexpected session section: %+v", status.Session)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	code, body := get(t, NewServer(":0", WithSession(fakeSession{"paused"})).Handler(), "/ready")
	if code != http.StatusOK || body != "ready" {
		t.Errorf("Expected paused session to be ready, got %d %q", code, body)
	}

	code, _ = get(t, NewServer(":0", WithSession(fakeSession{"compiled"})).Handler(), "/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected compiled session not to be ready, got %d", code)
	}

	code, body = get(t, NewServer(":0", WithRelay(fakeRelay{true, false})).Handler(), "/ready")
	if code != http.StatusServiceUnavailable || body != "not ready" {
		t.Errorf("Expected half-connected relay not to be ready, got %d %q", code, body)
	}
}

func TestUnconfiguredHealth(t *testing.T) {
	code, _ := get(t, NewServer(":0").Handler(), "/health")
	if code != http.StatusInternalServerError {
		t.Errorf("Expected 500 without checkers, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.RecordRowsPushed("s1", "people", 3)

	code, body := get(t, NewServer(":0", WithGatherer(reg)).Handler(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !strings.Contains(body, `feldera_pipe_rows_pushed_total{session="s1",table="people"} 3`) {
		t.Errorf("Expected rows pushed in metrics output, got:\n%s", body)
	}

	code, _ = get(t, NewServer(":0").Handler(), "/nope")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", code)
	}
}
