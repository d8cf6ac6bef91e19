package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// Enqueue validates, renders and durably queues one message. It returns as
// soon as the row is written; delivery happens in ProcessQueue.
func (e *Engine) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResult, error) {
	if req == nil {
		return nil, invalid("", "request is required")
	}
	return e.enqueue(ctx, req)
}

func (e *Engine) enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResult, error) {
	now := e.clock.Now()
	req.To = strings.TrimSpace(req.To)
	req.From = strings.TrimSpace(req.From)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	msg, err := e.buildMessage(ctx, req, now)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" {
		hash := req.fingerprint()
		rec, reserved, err := e.store.ReserveIdempotency(ctx, key, hash, now)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			return e.replayMessage(ctx, rec, hash)
		}
		msg.IdempotencyKey = key
	}

	res, err := e.persistMessage(ctx, msg, now)
	if err == nil && key != "" {
		err = e.store.FinalizeIdempotency(ctx, key, msg.ID, "", now)
		if err != nil {
			err = fmt.Errorf("finalize idempotency key: %w", err)
		}
	}
	if err != nil {
		if key != "" {
			e.clearReservation(ctx, key)
		}
		return nil, err
	}
	return res, nil
}

// buildMessage runs every synchronous check and renders the content.
// Nothing is written.
func (e *Engine) buildMessage(ctx context.Context, req *EnqueueRequest, now time.Time) (*domain.Message, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationFromTags(err)
	}

	provider := req.Provider
	if provider == "" {
		provider = e.cfg.DefaultProvider
	}
	if _, ok := e.providers.Get(provider); !ok {
		return nil, invalid("provider", fmt.Sprintf("%s is not configured", provider))
	}
	category := req.Category
	if category == "" {
		category = domain.CategoryTransactional
	}
	maxRetries := e.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	var scheduled *time.Time
	if req.ScheduledAt != nil && !req.ScheduledAt.IsZero() {
		at := req.ScheduledAt.UTC()
		if at.After(now.Add(e.cfg.MaxScheduleAhead)) {
			return nil, invalid("scheduled_at", fmt.Sprintf("is more than %s ahead", e.cfg.MaxScheduleAhead))
		}
		scheduled = &at
	}

	for name, value := range req.Headers {
		if name == "" || strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
			return nil, invalid("headers", fmt.Sprintf("header %q is malformed", name))
		}
	}

	content, err := e.templates.Resolve(ctx, template.Source{
		TemplateID: req.TemplateID,
		Subject:    req.Subject,
		HTML:       req.HTML,
		Text:       req.Text,
	})
	if err != nil {
		if errors.Is(err, template.ErrNoContent) {
			return nil, invalid("subject", "subject, html or text is required")
		}
		return nil, err
	}
	if missing := e.templates.ValidateVariables(content, req.Variables); len(missing) > 0 {
		return nil, &template.MissingVariablesError{Keys: missing}
	}
	rendered, err := e.templates.Render(content, req.Variables)
	if err != nil {
		return nil, invalid("template", err.Error())
	}

	switch {
	case strings.TrimSpace(rendered.Subject) == "":
		return nil, invalid("subject", "is required")
	case len(rendered.Subject) > e.cfg.MaxSubjectLength:
		return nil, invalid("subject", fmt.Sprintf("exceeds %d characters", e.cfg.MaxSubjectLength))
	case strings.ContainsAny(rendered.Subject, "\r\n"):
		return nil, invalid("subject", "contains line breaks")
	case rendered.HTML == "" && rendered.Text == "":
		return nil, invalid("html", "html or text body is required")
	case len(rendered.HTML)+len(rendered.Text) > e.cfg.MaxBodyBytes:
		return nil, invalid("html", fmt.Sprintf("body exceeds %d bytes", e.cfg.MaxBodyBytes))
	}

	var headers map[string]string
	if len(req.Headers) > 0 {
		headers = make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
	}

	return &domain.Message{
		ID:          e.newID(),
		To:          req.To,
		From:        req.From,
		FromName:    req.FromName,
		ReplyTo:     req.ReplyTo,
		Subject:     rendered.Subject,
		HTML:        rendered.HTML,
		Text:        rendered.Text,
		Headers:     headers,
		TemplateID:  content.TemplateID,
		Category:    category,
		Provider:    provider,
		Status:      domain.StatusQueued,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduled,
		BulkJobID:   req.bulkJobID,
		TenantID:    req.TenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// persistMessage applies the suppression gate and writes the row.
func (e *Engine) persistMessage(ctx context.Context, msg *domain.Message, now time.Time) (*EnqueueResult, error) {
	suppressed, err := e.suppressions.IsSuppressed(ctx, msg.To)
	if err != nil {
		return nil, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		msg.Status = domain.StatusSuppressed
		msg.FailureReason = "recipient_suppressed"
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	evType := domain.EventQueued
	if suppressed {
		evType = domain.EventSuppressed
	}
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: msg.ID,
		BulkJobID: msg.BulkJobID,
		Type:      evType,
		Provider:  msg.Provider,
		CreatedAt: now,
	})
	e.incrementMetric(ctx, string(msg.Status), now)
	e.metrics.enqueueTotal.WithLabelValues(string(msg.Provider), string(msg.Status)).Inc()

	logger.Debug("message enqueued",
		"message_id", msg.ID,
		"provider", string(msg.Provider),
		"status", string(msg.Status),
		"bulk_job_id", msg.BulkJobID,
	)
	return &EnqueueResult{MessageID: msg.ID, Status: msg.Status}, nil
}

// replayMessage resolves a key that was already reserved.
func (e *Engine) replayMessage(ctx context.Context, rec *domain.IdempotencyRecord, hash string) (*EnqueueResult, error) {
	if !rec.Finalized() {
		return nil, ErrIdempotencyInProgress
	}
	if rec.RequestHash != hash {
		return nil, ErrIdempotencyConflict
	}
	if rec.MessageID == "" {
		return nil, ErrIdempotencyConflict
	}
	msg, err := e.store.GetMessage(ctx, rec.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load deduped message: %w", err)
	}
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: msg.ID,
		BulkJobID: msg.BulkJobID,
		Type:      domain.EventDeduped,
		Provider:  msg.Provider,
		Details:   map[string]interface{}{"idempotency_key": rec.Key},
	})
	return &EnqueueResult{MessageID: msg.ID, Status: msg.Status, Deduped: true}, nil
}

func (e *Engine) clearReservation(ctx context.Context, key string) {
	if err := e.store.ClearPendingIdempotency(ctx, key); err != nil {
		logger.Error("failed to clear idempotency reservation", "key", key, "error", err.Error())
	}
}

// incrementMetric bumps a durable per-day counter; failures are logged.
func (e *Engine) incrementMetric(ctx context.Context, name string, now time.Time) {
	if err := e.store.IncrementMetric(ctx, name, dayKey(now), 1); err != nil {
		logger.Warn("failed to increment metric", "metric", name, "error", err.Error())
	}
}
