package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anyan2/IdeaSystemXS/internal/ideas"
	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps domain errors to an HTTP status and error type.
func storeError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotCancellable), errors.Is(err, ideas.ErrNotRetryable):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, search.ErrNoEmbedding):
		httpError(w, http.StatusConflict, "not_ready", "%s has no embedding yet", what)
	case errors.Is(err, provider.ErrRejected):
		httpError(w, http.StatusUnprocessableEntity, "provider_rejected", "%v", err)
	case errors.Is(err, storage.ErrWriteConflict):
		httpError(w, http.StatusServiceUnavailable, "busy", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
