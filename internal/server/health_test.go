package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLiveness(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(false)

	code, body := serve(t, h.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *HealthChecker)
		wantCode int
		wantKey  string
		wantVal  string
	}{
		{
			name:     "ready",
			setup:    func(*HealthChecker) {},
			wantCode: http.StatusOK,
			wantKey:  "ready",
			wantVal:  "ok",
		},
		{
			name:     "not ready",
			setup:    func(h *HealthChecker) { h.SetReady(false) },
			wantCode: http.StatusServiceUnavailable,
			wantKey:  "ready",
			wantVal:  "not ready",
		},
		{
			name:     "shutting down",
			setup:    func(h *HealthChecker) { h.SetShuttingDown() },
			wantCode: http.StatusServiceUnavailable,
			wantKey:  "shutdown",
			wantVal:  "shutting down",
		},
		{
			name: "failing check",
			setup: func(h *HealthChecker) {
				h.AddCheck("gmail", func(context.Context) error { return errors.New("circuit breaker open") })
			},
			wantCode: http.StatusServiceUnavailable,
			wantKey:  "gmail",
			wantVal:  "circuit breaker open",
		},
		{
			name: "passing check",
			setup: func(h *HealthChecker) {
				h.AddCheck("store", func(context.Context) error { return nil })
			},
			wantCode: http.StatusOK,
			wantKey:  "store",
			wantVal:  "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			tt.setup(h)

			code, body := serve(t, h.ReadinessHandler())
			assert.Equal(t, tt.wantCode, code)
			checks, ok := body["checks"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.wantVal, checks[tt.wantKey])
		})
	}
}

func TestDetailedHealth_LastBatch(t *testing.T) {
	h := NewHealthChecker()

	_, body := serve(t, h.DetailedHealthHandler())
	assert.NotContains(t, body, "last_batch")

	h.RecordBatch(BatchSummary{FinishedAt: time.Now(), Succeeded: 3, Failed: 1})
	code, body := serve(t, h.DetailedHealthHandler())
	assert.Equal(t, http.StatusOK, code)
	last, ok := body["last_batch"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, last["succeeded"])
	assert.EqualValues(t, 1, last["failed"])

	h.SetShuttingDown()
	code, body = serve(t, h.DetailedHealthHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "shutting down", body["status"])
}

func TestRegisterHealthEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthChecker().RegisterHealthEndpoints(mux)

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
