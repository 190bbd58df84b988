package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"mcpgateway-go/internal/gwerr"
)

// errorEnvelope is the admin API error shape.
type errorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError maps an error kind onto its HTTP status and envelope.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorEnvelope{Error: gwerr.Code(err), Detail: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gwerr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gwerr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, gwerr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, gwerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gwerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gwerr.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
