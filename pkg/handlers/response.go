package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// Messages for error classes whose underlying text may carry internals.
var safeMessages = map[string]string{
	"not_found":            "Not found",
	"tenant_deactivated":   "Not found",
	"unauthenticated":      "Authentication required",
	"forbidden":            "Access denied",
	"provisioning_failure": "Tenant provisioning failed",
	"upstream_unavailable": "Service temporarily unavailable",
	"internal_error":       "Internal server error",
}

// writeError maps err onto the error taxonomy and writes it. Invalid argument
// and conflict messages are produced by the service layer and returned as is.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := apperrors.Code(err)
	status := apperrors.HTTPStatus(err)

	message, ok := safeMessages[code]
	if !ok {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("code", code), zap.Error(err))
	}

	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// decodeJSON reads a request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logger.Debug("Invalid request body", zap.Error(err))
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}
