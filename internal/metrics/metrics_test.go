package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	ExecutionsTotal.WithLabelValues("ok").Inc()
	ExecutionDuration.Observe(0.1)
	ProviderRequestsTotal.WithLabelValues("mock", "ok").Inc()
	ProviderLatency.WithLabelValues("mock").Observe(0.1)
	LedgerEntriesTotal.WithLabelValues("mock").Inc()
	RateLimitRejectedTotal.WithLabelValues("/api/execute").Inc()
	RequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	RequestDuration.WithLabelValues("GET", "/health").Observe(0.01)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	expected := map[string]bool{
		"stormcloud_http_requests_total":           false,
		"stormcloud_http_request_duration_seconds": false,
		"stormcloud_executions_total":              false,
		"stormcloud_execution_duration_seconds":    false,
		"stormcloud_provider_requests_total":       false,
		"stormcloud_provider_latency_seconds":      false,
		"stormcloud_ledger_entries_total":          false,
		"stormcloud_ratelimit_rejected_total":      false,
		"stormcloud_event_subscribers":             false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := counterValue(t, RequestsTotal, "GET", "/items/{id}", "4xx")

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	after := counterValue(t, RequestsTotal, "GET", "/items/{id}", "4xx")
	if after-before != 1 {
		t.Fatalf("request count delta = %v, want 1", after-before)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}
