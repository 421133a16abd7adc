package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		checks         map[string]HealthCheck
		wantStatusCode int
		wantStatus     string
		wantFailed     []string
	}{
		{
			name:           "no dependencies",
			wantStatusCode: http.StatusOK,
			wantStatus:     "ok",
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"store":   func(ctx context.Context) error { return nil },
				"storage": func(ctx context.Context) error { return nil },
			},
			wantStatusCode: http.StatusOK,
			wantStatus:     "ok",
		},
		{
			name: "store down",
			checks: map[string]HealthCheck{
				"store":   func(ctx context.Context) error { return errors.New("connection refused") },
				"storage": func(ctx context.Context) error { return nil },
			},
			wantStatusCode: http.StatusServiceUnavailable,
			wantStatus:     "degraded",
			wantFailed:     []string{"store"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks)

			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatusCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatusCode)
			}

			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantFailed) {
				t.Errorf("checks = %v, want failures %v", resp.Checks, tt.wantFailed)
			}
			for _, name := range tt.wantFailed {
				if _, ok := resp.Checks[name]; !ok {
					t.Errorf("missing failed check %q", name)
				}
			}
		})
	}
}
