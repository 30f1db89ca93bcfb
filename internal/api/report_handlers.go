package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
)

const (
	reportTimeout     = 3 * time.Second
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// listItems handles GET /v1/items?kind=&status=&order=&page=&size=. It
// returns a report.Page, 400 for invalid filters and 503 when the store is
// unreachable.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
	defer cancel()
	page, err := s.deps.Reporter.List(ctx, q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// getItem handles GET /v1/items/{item_id}.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "item_id"))
	if id == "" {
		s.respondError(w, r, fmt.Errorf("%w: item_id is required", errBadRequest))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
	defer cancel()
	item, err := s.deps.Reporter.Item(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// stats handles GET /v1/stats?kind=. Without kind every queue is summarized.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
	defer cancel()
	if r.URL.Query().Get("kind") == "" {
		all, err := s.deps.Reporter.Summaries(ctx)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": all})
		return
	}
	kind, err := parseKindParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	summary, err := s.deps.Reporter.Summary(ctx, kind)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// audit handles GET /v1/audit?limit=, newest entries first.
func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "audit log disabled")
		return
	}
	limit, err := parsePositive(r, "limit", defaultAuditLimit, maxAuditLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
	defer cancel()
	entries, err := s.deps.Audit.Recent(ctx, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []queue.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func parseListQuery(r *http.Request) (report.Query, error) {
	kind, err := parseKindParam(r)
	if err != nil {
		return report.Query{}, err
	}
	q := report.Query{Kind: kind}
	values := r.URL.Query()
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, err := queue.ParseStatus(raw)
		if err != nil {
			return report.Query{}, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		q.Status = status
	}
	switch order := strings.ToLower(strings.TrimSpace(values.Get("order"))); order {
	case "", string(queue.OrderNewest):
		q.Order = queue.OrderNewest
	case string(queue.OrderDispatch):
		q.Order = queue.OrderDispatch
	default:
		return report.Query{}, fmt.Errorf("%w: invalid order %q", errBadRequest, order)
	}
	if q.Page, err = parsePositive(r, "page", 1, 0); err != nil {
		return report.Query{}, err
	}
	if q.Size, err = parsePositive(r, "size", report.DefaultPageSize, report.MaxPageSize); err != nil {
		return report.Query{}, err
	}
	return q, nil
}

// parsePositive reads a positive integer parameter; maxVal <= 0 means no cap.
func parsePositive(r *http.Request, name string, def, maxVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	if maxVal > 0 && val > maxVal {
		val = maxVal
	}
	return val, nil
}
