package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/Roenbaeck/tubeist-sub000/errors"
)

// sessionErrors are safe to show to clients verbatim
var sessionErrors = []error{
	errors.ErrSessionNotActive,
	errors.ErrSessionFinalized,
	errors.ErrInitializationRequired,
	errors.ErrDuplicateInitialization,
}

// statusFor maps relay errors to HTTP status codes and client-safe messages.
func statusFor(err error) (int, string) {
	if err == nil {
		return http.StatusInternalServerError, "internal server error"
	}

	for _, sentinel := range sessionErrors {
		if errors.Is(err, sentinel) {
			return http.StatusConflict, sentinel.Error()
		}
	}

	switch {
	case errors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable, "relay is shutting down"
	case errors.Is(err, errors.ErrQueueFull):
		return http.StatusServiceUnavailable, "fragment queue full"
	case errors.Is(err, errors.ErrInvalidEndpoint):
		return http.StatusBadRequest, "invalid upload endpoint"
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid request"
	case errors.IsFatal(err):
		return http.StatusInternalServerError, "internal server error"
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
