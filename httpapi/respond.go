package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/kbaudio"
	"github.com/meigma/ttscache/prefetch"
)

// maxBodyBytes caps request bodies. Segment texts are sentences, not
// documents.
const maxBodyBytes = 1 << 20

// errorResponse is the JSON error envelope every failure uses.
type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("response write failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// fail maps err to its HTTP status and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.writeError(w, statusFor(err), err.Error())
}

// statusFor maps component errors onto HTTP statuses. Anything
// unrecognized is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ttscache.ErrUnknownProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ttscache.ErrGenerationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ttscache.ErrBackend):
		return http.StatusBadGateway
	case errors.Is(err, kbaudio.ErrInvalidComponent),
		errors.Is(err, kbaudio.ErrDuplicateItem),
		errors.Is(err, kbaudio.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, kbaudio.ErrNotFound),
		errors.Is(err, kbaudio.ErrNoManifest),
		errors.Is(err, prefetch.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, prefetch.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, prefetch.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, prefetch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
