package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httputil"
	"github.com/ignite/delivery-engine/internal/service/suppression"
)

type suppressRequest struct {
	Email  string                   `json:"email"`
	Reason domain.SuppressionReason `json:"reason,omitempty"`
}

// handleListSuppressions pages the suppression list, newest first.
//
//	GET /v1/suppressions?reason=&source=&limit=&offset=
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := s.engine.Suppressions().List(r.Context(), suppression.ListFilter{
		Reason: q.Get("reason"),
		Source: q.Get("source"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Suppression{}
	}
	httputil.OK(w, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleAddSuppression suppresses an address by hand.
//
//	POST /v1/suppressions
func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	reason := req.Reason
	switch reason {
	case "":
		reason = domain.ReasonManual
	case domain.ReasonHardBounce, domain.ReasonComplaint, domain.ReasonUnsubscribe, domain.ReasonManual:
	default:
		httputil.BadRequest(w, "unknown suppression reason")
		return
	}
	created, err := s.engine.Suppressions().Suppress(r.Context(), req.Email, reason, domain.SourceManual, "")
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.JSON(w, status, map[string]interface{}{
		"email":   domain.NormalizeEmail(req.Email),
		"created": created,
	})
}

// handleGetSuppression returns one entry.
//
//	GET /v1/suppressions/{email}
func (s *Server) handleGetSuppression(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Suppressions().Get(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, entry)
}

// handleRemoveSuppression deletes an entry.
//
//	DELETE /v1/suppressions/{email}
func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Suppressions().Remove(r.Context(), chi.URLParam(r, "email")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// handleSuppressionStats returns counts by reason and source.
//
//	GET /v1/suppressions/stats
func (s *Server) handleSuppressionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Suppressions().GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, stats)
}
