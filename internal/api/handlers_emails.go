package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httputil"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// maxDrainLimit caps an on-demand drain.
const maxDrainLimit = 1000

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if h := strings.TrimSpace(r.Header.Get("Idempotency-Key")); h != "" {
		return h
	}
	return body
}

// handleEnqueue queues one message.
//
//	POST /v1/emails
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req delivery.EnqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.engine.Enqueue(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

// handleEnqueueBulk queues one message per recipient.
//
//	POST /v1/emails/bulk
func (s *Server) handleEnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req delivery.BulkEnqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.engine.EnqueueBulk(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

// handleGetMessage returns the stored message state.
//
//	GET /v1/emails/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, msg)
}

// handleGetBulkJob returns the job counters.
//
//	GET /v1/bulk-jobs/{id}
func (s *Server) handleGetBulkJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetBulkJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, job)
}

// handleProcessQueue runs one drain pass in the request.
//
//	POST /v1/queue/process?limit=N
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if limit > maxDrainLimit {
		limit = maxDrainLimit
	}

	res, err := s.engine.ProcessQueue(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// handleCircuitStatus reports a provider's breaker.
//
//	GET /v1/providers/{provider}/circuit
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	p := domain.ESPType(strings.ToLower(chi.URLParam(r, "provider")))
	if !p.Valid() {
		httputil.NotFound(w, "unknown provider")
		return
	}
	httputil.OK(w, s.engine.CircuitStatus(p))
}

// handlePutTemplate creates or replaces a stored template.
//
//	PUT /v1/templates/{id}
func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl domain.Template
	if !httputil.Decode(w, r, &tpl) {
		return
	}
	tpl.ID = chi.URLParam(r, "id")
	if err := s.engine.SaveTemplate(r.Context(), &tpl); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, tpl)
}
