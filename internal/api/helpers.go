package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rendis/chispa/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRuntimeError maps a RuntimeError's code onto an HTTP status.
func writeRuntimeError(w http.ResponseWriter, err error) {
	var rerr *schema.RuntimeError
	if !errors.As(err, &rerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch rerr.Code {
	case schema.ErrCodeValidation, schema.ErrCodeUnknownQueue, schema.ErrCodeCycleDetected:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict:
		status = http.StatusConflict
	case schema.ErrCodeAuth:
		status = http.StatusUnauthorized
	}
	writeError(w, status, rerr.Message)
}
