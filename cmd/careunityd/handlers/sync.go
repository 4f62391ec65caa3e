package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/models"
	"github.com/careunity/careunity/backend/internal/sync/queue"
	"github.com/careunity/careunity/backend/internal/sync/scheduler"
)

// ReplayTrigger starts background replay passes. *scheduler.Scheduler
// satisfies it.
type ReplayTrigger interface {
	TriggerReplay(ctx context.Context) bool
	GetStatus() scheduler.Status
}

// SyncHandler serves the sync operation queue.
type SyncHandler struct {
	queue  *queue.Service
	replay ReplayTrigger
	logger *logging.Logger
}

// NewSyncHandler creates a new SyncHandler. replay may be nil, which
// disables the replay endpoints.
func NewSyncHandler(q *queue.Service, replay ReplayTrigger, logger *logging.Logger) *SyncHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SyncHandler{queue: q, replay: replay, logger: logger}
}

// Register adds the sync routes to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/operations", h.CreateOperation)
	mux.HandleFunc("POST /api/sync/operations/batch", h.SubmitBatch)
	mux.HandleFunc("GET /api/sync/operations", h.ListOperations)
	mux.HandleFunc("GET /api/sync/operations/{id}", h.GetOperation)
	mux.HandleFunc("PATCH /api/sync/operations/{id}", h.UpdateOperation)
	mux.HandleFunc("POST /api/sync/operations/{id}/retry", h.RetryOperation)
	mux.HandleFunc("DELETE /api/sync/operations/{id}", h.DeleteOperation)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/replay", h.TriggerReplay)
	mux.HandleFunc("GET /api/sync/scheduler", h.SchedulerStatus)
}

// CreateOperation handles POST /api/sync/operations
func (h *SyncHandler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var request models.CreateSyncOperation
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, h.logger, err)
		return
	}

	op, err := h.queue.Create(r.Context(), request)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, op.Response())
}

// SubmitBatch handles POST /api/sync/operations/batch
func (h *SyncHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var request models.BatchSyncRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp, err := h.queue.SubmitBatch(r.Context(), request)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListOperations handles GET /api/sync/operations
// Query: userId, status, entityType, entityId, limit.
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.SyncOperationFilter{
		Status:     models.OperationStatus(query.Get("status")),
		EntityType: query.Get("entityType"),
		EntityID:   query.Get("entityId"),
	}

	verr := &errors.ValidationError{}
	if v := query.Get("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			verr.Add("userId", "must be a positive integer")
		}
		filter.UserID = id
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			verr.Add("limit", "must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if verr.HasErrors() {
		writeError(w, h.logger, verr)
		return
	}

	ops, err := h.queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// GetOperation handles GET /api/sync/operations/{id}
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// UpdateOperation handles PATCH /api/sync/operations/{id}
func (h *SyncHandler) UpdateOperation(w http.ResponseWriter, r *http.Request) {
	var request models.UpdateSyncOperation
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, h.logger, err)
		return
	}

	op, err := h.queue.UpdateStatus(r.Context(), r.PathValue("id"), request)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RetryOperation handles POST /api/sync/operations/{id}/retry
func (h *SyncHandler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.queue.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// DeleteOperation handles DELETE /api/sync/operations/{id}
func (h *SyncHandler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /api/sync/status?userId=
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)

	status, err := h.queue.Status(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerReplay handles POST /api/sync/replay
// Starts a background pass: 202 when started, 409 when one is already
// running, 503 while upstream is unreachable.
func (h *SyncHandler) TriggerReplay(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, errors.ErrSyncFailed, "replay is not configured")
		return
	}
	if h.replay.TriggerReplay(r.Context()) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
		return
	}

	status := h.replay.GetStatus()
	if status.ReplayInProgress {
		writeErrorCode(w, http.StatusConflict, errors.ErrSyncInProgress, "a replay pass is already running")
		return
	}
	writeErrorCode(w, http.StatusServiceUnavailable, errors.ErrNetwork, "upstream is offline")
}

// SchedulerStatus handles GET /api/sync/scheduler
func (h *SyncHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, errors.ErrSyncFailed, "replay is not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.replay.GetStatus())
}
