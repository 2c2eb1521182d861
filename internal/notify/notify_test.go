package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/store"
)

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "Found 0 new subdomains", FormatMessage(nil))
	assert.Equal(t, "Found 2 new subdomains\nhttps://a.t\nhttps://c.t",
		FormatMessage([]string{"https://a.t", "https://c.t"}))
}

func TestWebhookNotifier(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode errors.ErrorCode
	}{
		{"ok", http.StatusOK, ""},
		{"no content", http.StatusNoContent, ""},
		{"created is not accepted", http.StatusCreated, errors.CodeTransport},
		{"rate limited", http.StatusTooManyRequests, errors.CodeTransport},
		{"server error", http.StatusInternalServerError, errors.CodeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				w.WriteHeader(tt.status)
				if tt.status >= 400 {
					_, _ = w.Write([]byte("nope"))
				}
			}))
			defer server.Close()

			n := NewWebhookNotifier(server.URL, 5*time.Second)
			err := n.Notify(context.Background(), Alert{NewSubdomains: []string{"https://c.t"}})

			assert.Equal(t, "Found 1 new subdomains\nhttps://c.t", payload["content"])
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}

			var notifyErr *errors.NotifyError
			require.ErrorAs(t, err, &notifyErr)
			assert.Equal(t, tt.wantCode, notifyErr.Code)
			assert.Equal(t, tt.status, notifyErr.StatusCode)
			assert.Contains(t, notifyErr.Message, "nope")
		})
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewWebhookNotifier(url, time.Second).Notify(context.Background(), Alert{NewSubdomains: []string{"x"}})
	assert.True(t, errors.IsCode(err, errors.CodeTransport))
	var notifyErr *errors.NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.Zero(t, notifyErr.StatusCode)
	assert.NotNil(t, notifyErr.Unwrap())
}

func TestWebhookNotifierLimitsErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	err := NewWebhookNotifier(server.URL, time.Second).Notify(context.Background(), Alert{})
	var notifyErr *errors.NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.LessOrEqual(t, len(notifyErr.Message), maxErrorBodyBytes+64)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText}, &buf)

	target := &store.Target{ID: uuid.New(), Name: "acme"}
	err := NewLogNotifier(logger).Notify(context.Background(), Alert{Target: target, NewSubdomains: []string{"https://c.t"}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Found 1 new subdomains")
	assert.Contains(t, out, "component=notify")
	assert.Contains(t, out, "target=acme")
}

func TestNewSelectsTransport(t *testing.T) {
	logger := logging.NewWithWriter(logging.DefaultConfig(), io.Discard)

	assert.IsType(t, &LogNotifier{}, New(config.NotifyConfig{}, logger))
	assert.IsType(t, &LogNotifier{}, New(config.NotifyConfig{WebhookURL: "  "}, logger))
	assert.IsType(t, &WebhookNotifier{}, New(config.NotifyConfig{WebhookURL: "https://hooks.example/x", Timeout: time.Second}, logger))
}
