package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// ClaimRequest is the body of POST /v1/claims.
type ClaimRequest struct {
	Kind queue.Kind `json:"kind"`
}

// SuccessRequest is the body of POST /v1/items/{id}/success.
type SuccessRequest struct {
	Token      string `json:"token"`
	BooksFound int    `json:"books_found"`
	BooksSaved int    `json:"books_saved"`
}

// FailureRequest is the body of the retry and failure reports.
type FailureRequest struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// BatchRequest is the body of POST /v1/items/batch.
type BatchRequest struct {
	Items []admission.Request `json:"items"`
}

// BatchResult reports one entry of a batch admission.
type BatchResult struct {
	admission.Result
	Error string `json:"error,omitempty"`
}

// claim handles POST /v1/claims. It answers 200 with a lease, or 204 when
// nothing is eligible.
func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	lease, err := s.deps.Scheduler.Claim(r.Context(), req.Kind)
	if errors.Is(err, queue.ErrNoWork) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) reportSuccess(w http.ResponseWriter, r *http.Request) {
	var req SuccessRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	item, err := s.deps.Scheduler.ReportSuccess(r.Context(), chi.URLParam(r, "item_id"), req.Token, req.BooksFound, req.BooksSaved)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) reportRetry(w http.ResponseWriter, r *http.Request) {
	var req FailureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	item, err := s.deps.Scheduler.ReportRetry(r.Context(), chi.URLParam(r, "item_id"), req.Token, req.Error)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var req FailureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	item, err := s.deps.Scheduler.ReportFailure(r.Context(), chi.URLParam(r, "item_id"), req.Token, req.Error)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// enqueue handles POST /v1/items: 201 when a new item was created, 200 when
// the url was already known.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admitter == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "admission disabled")
		return
	}
	var req admission.Request
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.deps.Admitter.Enqueue(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admitter == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "admission disabled")
		return
	}
	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(req.Items) == 0 {
		s.respondError(w, r, fmt.Errorf("%w: items required", errBadRequest))
		return
	}
	results, errs, err := s.deps.Admitter.EnqueueBatch(r.Context(), req.Items)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]BatchResult, len(results))
	for i := range results {
		out[i] = BatchResult{Result: results[i]}
		if errs[i] != nil {
			out[i].Error = errs[i].Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// requeueFailed handles POST /v1/items/requeue-failed?kind=.
func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admitter == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "admission disabled")
		return
	}
	kind, err := parseKindParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	moved, err := s.deps.Admitter.RequeueFailed(r.Context(), kind)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "requeued": moved})
}

func parseKindParam(r *http.Request) (queue.Kind, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" {
		return queue.KindListing, nil
	}
	kind, err := queue.ParseKind(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return kind, nil
}
