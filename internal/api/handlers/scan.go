package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/subwatch/internal/api/middleware"
	"github.com/anstrom/subwatch/internal/store"
)

// ScanQueue is the part of the scan queue the handlers drive.
type ScanQueue interface {
	Enqueue(ctx context.Context, targetID uuid.UUID) (*store.ScanRun, error)
	SetSchedule(ctx context.Context, targetID uuid.UUID, enabled bool, waitingMinutes int) (*store.ScanRun, error)
	Get(ctx context.Context, targetID uuid.UUID) (*store.ScanRun, error)
}

// ScanHandler handles the per-target scan and schedule endpoints.
type ScanHandler struct {
	queue     ScanQueue
	logger    *slog.Logger
	validator *validator.Validate
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(q ScanQueue, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		queue:     q,
		logger:    logger.With("handler", "scan"),
		validator: validator.New(),
	}
}

// ScheduleRequest is the body of PATCH /api/v1/targets/{id}/schedule.
type ScheduleRequest struct {
	Enabled        *bool `json:"enabled" validate:"required"`
	WaitingMinutes int   `json:"waiting_minutes" validate:"omitempty,min=1,max=10080"`
}

// EnqueueScan handles POST /api/v1/targets/{id}/scan.
func (h *ScanHandler) EnqueueScan(w http.ResponseWriter, r *http.Request) {
	targetID, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	run, err := h.queue.Enqueue(r.Context(), targetID)
	if err != nil {
		handleEngineError(w, r, err, "enqueue scan", h.logger)
		return
	}

	h.logger.Info("Scan requested",
		"request_id", middleware.GetRequestID(r),
		"target_id", targetID.String(),
		"run_id", run.ID.String(),
		"status", string(run.Status))
	writeJSON(w, r, http.StatusAccepted, run)
}

// GetScan handles GET /api/v1/targets/{id}/scan.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	targetID, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	run, err := h.queue.Get(r.Context(), targetID)
	if err != nil {
		handleEngineError(w, r, err, "get scan run", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// SetSchedule handles PATCH /api/v1/targets/{id}/schedule.
func (h *ScanHandler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	targetID, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var req ScheduleRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.validateScheduleRequest(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	run, err := h.queue.SetSchedule(r.Context(), targetID, *req.Enabled, req.WaitingMinutes)
	if err != nil {
		handleEngineError(w, r, err, "set schedule", h.logger)
		return
	}

	h.logger.Info("Schedule updated",
		"request_id", middleware.GetRequestID(r),
		"target_id", targetID.String(),
		"enabled", run.IsScheduled,
		"waiting_minutes", run.WaitingMinutes)
	writeJSON(w, r, http.StatusOK, run)
}

func (h *ScanHandler) validateScheduleRequest(req *ScheduleRequest) error {
	if err := h.validator.Struct(req); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	if *req.Enabled && req.WaitingMinutes == 0 {
		return fmt.Errorf("waiting_minutes is required when enabling a schedule")
	}
	return nil
}
