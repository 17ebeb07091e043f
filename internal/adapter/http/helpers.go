package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
)

const bodyLimit = 1 << 20 // 1 MiB request bodies

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// idParam parses a chi URL parameter as int64. Writes a 400 on failure.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps the error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource already exists or was modified by another request")
	case errors.Is(err, domain.ErrIllegalTransition):
		writeError(w, http.StatusConflict, trimSentinel(err, domain.ErrIllegalTransition))
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, trimSentinel(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, trimSentinel(err, domain.ErrPolicyViolation))
	case errors.Is(err, domain.ErrDependency):
		writeError(w, http.StatusServiceUnavailable, trimSentinel(err, domain.ErrDependency))
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func trimSentinel(err error, sentinel error) string {
	msg := err.Error()
	if trimmed := strings.TrimSuffix(msg, ": "+sentinel.Error()); trimmed != msg {
		return trimmed
	}
	return strings.TrimPrefix(msg, sentinel.Error()+": ")
}

// urlParamString is a short alias for chi.URLParam.
func urlParamString(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// enqueueJSON marshals a payload and enqueues a job on the default queue.
func enqueueJSON(r *http.Request, q queue.Queue, jobType job.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = q.Enqueue(r.Context(), jobType, data, "")
	return err
}
