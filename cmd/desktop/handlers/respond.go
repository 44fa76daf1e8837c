// Package handlers provides REST API handlers for the desktop process.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// errorBody is the JSON error shape returned to the UI.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrConflictNotFound:
		return http.StatusNotFound
	case apperrors.ErrOperationInFlight, apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSyncNetwork, apperrors.ErrSyncTransient:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrQueueOverflow:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
