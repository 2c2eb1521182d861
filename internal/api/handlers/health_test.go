package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name       string
		pinger     DatabasePinger
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{"database ok", stubPinger{}, http.StatusOK, StatusHealthy, "ok"},
		{"database down", stubPinger{err: fmt.Errorf("connection refused")}, http.StatusServiceUnavailable, StatusUnhealthy, "failed: connection refused"},
		{"no database", nil, http.StatusOK, StatusHealthy, StatusNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pinger, logger)
			rr := httptest.NewRecorder()
			h.Health(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			assert.Equal(t, tt.wantCode, rr.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantCheck, resp.Checks["database"])
		})
	}
}

func TestLiveness(t *testing.T) {
	h := NewHealthHandler(stubPinger{err: fmt.Errorf("down")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rr := httptest.NewRecorder()
	h.Liveness(rr, httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"alive"`)
}
