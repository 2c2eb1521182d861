package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/store"
	"github.com/anstrom/subwatch/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scanFixture struct {
	store  *memory.Store
	queue  *queue.Queue
	router *mux.Router
	target *store.Target
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()

	st := memory.New()
	st.SetClock(func() time.Time { return testNow })
	target := &store.Target{ID: uuid.New(), Name: "acme", URL: "https://acme.example", CreatedAt: testNow}
	require.NoError(t, st.CreateTarget(context.Background(), target))

	q := queue.New(st, queue.WithClock(func() time.Time { return testNow }))
	h := NewScanHandler(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/targets/{id}/scan", h.EnqueueScan).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/targets/{id}/scan", h.GetScan).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/targets/{id}/schedule", h.SetSchedule).Methods(http.MethodPatch)

	return &scanFixture{store: st, queue: q, router: router, target: target}
}

func (f *scanFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeRun(t *testing.T, rr *httptest.ResponseRecorder) store.ScanRun {
	t.Helper()
	var run store.ScanRun
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&run))
	return run
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestEnqueueScan(t *testing.T) {
	f := newScanFixture(t)
	path := "/api/v1/targets/" + f.target.ID.String() + "/scan"

	rr := f.do(http.MethodPost, path, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	first := decodeRun(t, rr)
	assert.Equal(t, store.StatusQueued, first.Status)
	assert.Equal(t, f.target.ID, first.TargetID)

	rr = f.do(http.MethodPost, path, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	second := decodeRun(t, rr)
	assert.Equal(t, first.ID, second.ID, "repeat requests reuse the active run")
}

func TestEnqueueScanErrors(t *testing.T) {
	f := newScanFixture(t)

	rr := f.do(http.MethodPost, "/api/v1/targets/not-a-uuid/scan", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/targets/"+uuid.NewString()+"/scan", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Code)
}

func TestGetScan(t *testing.T) {
	f := newScanFixture(t)
	path := "/api/v1/targets/" + f.target.ID.String() + "/scan"

	rr := f.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	f.do(http.MethodPost, path, "")
	rr = f.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.StatusQueued, decodeRun(t, rr).Status)
}

func TestSetSchedule(t *testing.T) {
	f := newScanFixture(t)
	path := "/api/v1/targets/" + f.target.ID.String() + "/schedule"

	rr := f.do(http.MethodPatch, path, `{"enabled": true, "waiting_minutes": 60}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	run := decodeRun(t, rr)
	assert.True(t, run.IsScheduled)
	assert.Equal(t, 60, run.WaitingMinutes)
	require.NotNil(t, run.NextRunTime)
	assert.True(t, run.NextRunTime.Equal(testNow.Add(time.Hour)))

	rr = f.do(http.MethodPatch, path, `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	run = decodeRun(t, rr)
	assert.False(t, run.IsScheduled)
	assert.Nil(t, run.NextRunTime)
}

func TestSetScheduleValidation(t *testing.T) {
	f := newScanFixture(t)
	path := "/api/v1/targets/" + f.target.ID.String() + "/schedule"

	tests := []struct {
		name string
		body string
	}{
		{"missing enabled", `{"waiting_minutes": 5}`},
		{"zero interval when enabling", `{"enabled": true}`},
		{"interval above one week", `{"enabled": true, "waiting_minutes": 10081}`},
		{"negative interval", `{"enabled": true, "waiting_minutes": -1}`},
		{"unknown field", `{"enabled": true, "waiting_minutes": 5, "cron": "* * * * *"}`},
		{"malformed", `{"enabled": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodPatch, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	_, err := f.queue.Get(context.Background(), f.target.ID)
	assert.Error(t, err, "rejected requests must not create a run")
}

func TestSetScheduleDisableWithoutRun(t *testing.T) {
	f := newScanFixture(t)

	rr := f.do(http.MethodPatch, "/api/v1/targets/"+f.target.ID.String()+"/schedule", `{"enabled": false}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusForError(t *testing.T) {
	f := newScanFixture(t)
	run, err := f.queue.Enqueue(context.Background(), f.target.ID)
	require.NoError(t, err)

	_, err = f.queue.Complete(context.Background(), run, store.StatusSuccess, nil)
	require.Error(t, err, "queued to success is not a legal transition")
	assert.Equal(t, http.StatusConflict, statusForError(err))
	assert.Equal(t, http.StatusInternalServerError, statusForError(io.ErrUnexpectedEOF))
}
