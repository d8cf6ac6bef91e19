package api

import (
	"errors"
	"net/http"

	"github.com/ignite/delivery-engine/internal/pkg/httputil"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/service/suppression"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// writeError maps service errors onto HTTP responses. Anything unknown is
// logged and reported as a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var verr *delivery.ValidationError
	var missing *template.MissingVariablesError
	switch {
	case errors.As(err, &verr):
		httputil.ErrorCode(w, http.StatusBadRequest, "validation_error", verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.As(err, &missing):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "missing_variables", missing.Error(),
			map[string]interface{}{"keys": missing.Keys})
	case errors.Is(err, template.ErrTemplateNotFound):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "template_not_found", err.Error(), nil)
	case errors.Is(err, delivery.ErrIdempotencyConflict):
		httputil.Conflict(w, "idempotency_conflict", err.Error())
	case errors.Is(err, delivery.ErrIdempotencyInProgress):
		w.Header().Set("Retry-After", "1")
		httputil.Conflict(w, "idempotency_in_progress", err.Error())
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, suppression.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, suppression.ErrEmptyAddress):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, delivery.ErrInvalidEvent):
		httputil.ErrorCode(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
	case errors.Is(err, delivery.ErrInvalidSignature):
		httputil.ErrorCode(w, http.StatusForbidden, "invalid_signature", err.Error(), nil)
	case errors.Is(err, delivery.ErrStoreCorrupted):
		httputil.ErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "store unavailable", nil)
	default:
		httputil.InternalError(w, err)
	}
}
