// Package httputil writes JSON responses and maps domain error codes onto
// HTTP status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "kycgate/pkg/domain-errors"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto a status and writes {"error", "error_description"}.
// Internal errors never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, wire := StatusFor(code)
	body := map[string]string{"error": wire}
	if status < http.StatusInternalServerError {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body["error_description"] = de.Message
		}
	}
	WriteJSON(w, status, body)
}

// StatusFor returns the HTTP status and wire code for a domain code.
func StatusFor(code dErrors.Code) (int, string) {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return http.StatusBadRequest, string(dErrors.CodeBadRequest)
	case dErrors.CodeNotFound:
		return http.StatusNotFound, string(code)
	case dErrors.CodeConflict, dErrors.CodeInvalidStateTransition, dErrors.CodeDuplicateDocument:
		return http.StatusConflict, string(code)
	case dErrors.CodeForbidden:
		return http.StatusForbidden, string(code)
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests, string(code)
	case dErrors.CodeExpired, dErrors.CodeAttemptsExceeded, dErrors.CodeInvalidCode:
		return http.StatusUnprocessableEntity, string(code)
	case dErrors.CodeTimeout, dErrors.CodeCapabilityTimeout:
		return http.StatusGatewayTimeout, string(code)
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable, string(code)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
