package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/services"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
)

// DefaultWaitTimeout bounds how long a ?wait=true request blocks on the
// remote commit.
const DefaultWaitTimeout = 15 * time.Second

// IncidentHandler handles incident-related HTTP requests.
type IncidentHandler struct {
	svc         *services.IncidentService
	waitTimeout time.Duration
}

// NewIncidentHandler creates a new IncidentHandler. A non-positive
// waitTimeout uses DefaultWaitTimeout.
func NewIncidentHandler(svc *services.IncidentService, waitTimeout time.Duration) *IncidentHandler {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &IncidentHandler{svc: svc, waitTimeout: waitTimeout}
}

// =====================================================
// Reads
// =====================================================

// List handles GET /api/incidents
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Get handles GET /api/incidents/{id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// Refresh handles POST /api/incidents/refresh
func (h *IncidentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Mutations
// =====================================================

// Create handles POST /api/incidents
// Body: {"fields": {...}}
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Fields map[string]interface{} `json:"fields"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context) (*sync.Pending, error) {
		return h.svc.Create(ctx, request.Fields)
	})
}

// Update handles PATCH /api/incidents/{id}
// Body: {"baseVersion": 3, "fields": {...}}
func (h *IncidentHandler) Update(w http.ResponseWriter, r *http.Request) {
	var request struct {
		BaseVersion int64                  `json:"baseVersion"`
		Fields      map[string]interface{} `json:"fields"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	h.respond(w, r, func(ctx context.Context) (*sync.Pending, error) {
		return h.svc.Update(ctx, id, request.BaseVersion, request.Fields)
	})
}

// Delete handles DELETE /api/incidents/{id}?baseVersion=3
func (h *IncidentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var base int64
	if v := r.URL.Query().Get("baseVersion"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid baseVersion %q", v))
			return
		}
		base = parsed
	}
	id := r.PathValue("id")
	h.respond(w, r, func(ctx context.Context) (*sync.Pending, error) {
		return h.svc.Delete(ctx, id, base)
	})
}

// Bulk handles POST /api/incidents/bulk
// Body: {"action": "approve|reject|delete|status", "ids": [...], "reason": "", "status": ""}
func (h *IncidentHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Action string   `json:"action"`
		IDs    []string `json:"ids"`
		Reason string   `json:"reason"`
		Status string   `json:"status"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}

	var run func(ctx context.Context) (*sync.Pending, error)
	switch request.Action {
	case "approve":
		run = func(ctx context.Context) (*sync.Pending, error) { return h.svc.BulkApprove(ctx, request.IDs, request.Reason) }
	case "reject":
		run = func(ctx context.Context) (*sync.Pending, error) { return h.svc.BulkReject(ctx, request.IDs, request.Reason) }
	case "delete":
		run = func(ctx context.Context) (*sync.Pending, error) { return h.svc.BulkDelete(ctx, request.IDs) }
	case "status":
		run = func(ctx context.Context) (*sync.Pending, error) {
			return h.svc.BulkStatusChange(ctx, request.IDs, request.Status)
		}
	default:
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown bulk action %q", request.Action))
		return
	}
	h.respond(w, r, run)
}

// SendAlert handles POST /api/alerts
// Body: {"incidentId": "", "message": "", "extra": {...}}
func (h *IncidentHandler) SendAlert(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IncidentID string                 `json:"incidentId"`
		Message    string                 `json:"message"`
		Extra      map[string]interface{} `json:"extra"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context) (*sync.Pending, error) {
		return h.svc.SendAlert(ctx, request.IncidentID, request.Message, request.Extra)
	})
}

// respond issues the mutation and writes 202 with the accepted operation.
// With ?wait=true it blocks until the remote commit settles and writes the
// outcome instead.
func (h *IncidentHandler) respond(w http.ResponseWriter, r *http.Request, run func(context.Context) (*sync.Pending, error)) {
	// The commit must outlive the request; only the wait is bound to it.
	pending, err := run(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"operation": pending.Operation(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()
	out, err := pending.Wait(ctx)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"operation": pending.Operation(),
			"settled":   false,
		})
		return
	}
	writeJSON(w, outcomeStatus(out), outcomeBody(out))
}

func outcomeStatus(out sync.Outcome) int {
	switch {
	case out.Err != nil:
		return statusFor(apperrors.CodeOf(out.Err))
	case out.Queued:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func outcomeBody(out sync.Outcome) map[string]interface{} {
	body := map[string]interface{}{
		"operation": out.Operation,
		"settled":   true,
		"queued":    out.Queued,
	}
	if len(out.Records) > 0 {
		body["records"] = out.Records
	}
	if out.Conflict != nil {
		body["conflict"] = map[string]interface{}{
			"conflictId": out.Conflict.Conflict.ID,
			"action":     out.Conflict.Action,
			"unattended": out.Conflict.Unattended,
		}
	}
	if out.Err != nil {
		body["error"] = errorBody{Code: string(apperrors.CodeOf(out.Err)), Message: out.Err.Error()}
	}
	return body
}
