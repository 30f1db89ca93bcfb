package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/scheduler"
)

// Error codes carried in error responses.
const (
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidCounters   = "invalid_counters"
	CodeInvalidRequest    = "invalid_request"
	CodeUnavailable       = "unavailable"
	CodeTimeout           = "timeout"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errBadRequest = errors.New("bad request")

// classify maps an error to its HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, queue.ErrInvalidCounters):
		return http.StatusBadRequest, CodeInvalidCounters
	case errors.Is(err, admission.ErrInvalidURL),
		errors.Is(err, scheduler.ErrUnknownKind),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, queue.ErrSchemaMissing):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
