package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		db      error
		sandbox error
		want    int
		status  string
	}{
		{"healthy", nil, nil, http.StatusOK, "ok"},
		{"db down", errors.New("closed"), nil, http.StatusServiceUnavailable, "degraded"},
		{"sandbox down", nil, errors.New("no docker"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		h := NewHealthHandler(fakePinger{tt.db}, fakePinger{tt.sandbox}, time.Second)
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
		var resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decodeBody(t, w, &resp)
		if resp.Status != tt.status {
			t.Errorf("%s: status field = %q, want %q", tt.name, resp.Status, tt.status)
		}
	}
}
