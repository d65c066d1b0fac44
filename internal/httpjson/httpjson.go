// Package httpjson provides the small response-writing + error-mapping
// helpers shared by every API handler.
package httpjson

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/rs/zerolog/log"
)

// Write encodes data as the JSON response body with the given status.
func Write(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("⚠️ failed to encode JSON response")
	}
}

// Fail writes {"success": false, "message": message} at status.
func Fail(w http.ResponseWriter, status int, message string) {
	Write(w, status, map[string]any{"success": false, "message": message})
}

// FailError maps an apperrors sentinel (or a generic error, which maps to
// 500) to the appropriate status and writes the failure envelope.
func FailError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrInvariant):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrAuthExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrTransient):
		status = http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrUnconfigured):
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		log.Error().Err(err).Msg("❌ internal error serving request")
	}
	Fail(w, status, err.Error())
}
