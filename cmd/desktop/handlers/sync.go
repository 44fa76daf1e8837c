package handlers

import (
	"net/http"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
)

// SyncHandler exposes outbox, conflict and status operations.
type SyncHandler struct {
	engine sync.SyncEngineInterface
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngineInterface) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// =====================================================
// Status and outbox
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

// ListQueue handles GET /api/sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops := h.engine.Operations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"total":      len(ops),
	})
}

// RetryQueue handles POST /api/sync/queue/retry
// Failed entries are reset and a flush is run.
func (h *SyncHandler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	reset, report, err := h.engine.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset":  reset,
		"report": report,
	})
}

// RemoveOperation handles DELETE /api/sync/queue/{id}
func (h *SyncHandler) RemoveOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "operation id is required"))
		return
	}
	if err := h.engine.RemoveOperation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	logging.Info("Queued operation dismissed by user", map[string]interface{}{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/sync/flush
func (h *SyncHandler) Flush(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Flush(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if report.Busy {
		status = http.StatusAccepted
	}
	writeJSON(w, status, report)
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts handles GET /api/sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.PendingConflicts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve
// Body: {"action": "overwrite" | "merge" | "cancel"}
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Action models.ConflictAction `json:"action"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.engine.ResolveConflict(r.Context(), r.PathValue("id"), request.Action)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"conflictId": out.Conflict.ID,
		"action":     out.Action,
		"log":        out.Log,
	}
	if out.Record != nil {
		response["record"] = out.Record
	}
	if out.Err != nil {
		response["error"] = errorBody{Code: string(apperrors.CodeOf(out.Err)), Message: out.Err.Error()}
	}
	writeJSON(w, http.StatusOK, response)
}
