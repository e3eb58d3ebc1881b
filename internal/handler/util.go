package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, inboxerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inboxerrors.ErrNoAddresses),
		errors.Is(err, inboxerrors.ErrNoConversation),
		errors.Is(err, inboxerrors.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, inboxerrors.ErrUnsupportedKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, inboxerrors.ErrClosed):
		return http.StatusServiceUnavailable
	}
	if _, ok := inboxerrors.StageOf(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with the status it maps to.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), inboxerrors.Message(err))
}
