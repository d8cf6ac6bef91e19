package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// EnqueueBulk queues the same content for up to BulkMaxRecipients
// recipients under one bulk job. Repeated addresses are sent once. A
// recipient that fails validation is counted as failed without a message row.
func (e *Engine) EnqueueBulk(ctx context.Context, req *BulkEnqueueRequest) (*BulkEnqueueResult, error) {
	if req == nil {
		return nil, invalid("", "request is required")
	}
	now := e.clock.Now()
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := validate.Struct(req); err != nil {
		return nil, validationFromTags(err)
	}
	if len(req.Recipients) > e.cfg.BulkMaxRecipients {
		return nil, invalid("recipients", fmt.Sprintf("exceeds maximum of %d", e.cfg.BulkMaxRecipients))
	}
	provider := req.Provider
	if provider == "" {
		provider = e.cfg.DefaultProvider
	}
	if _, ok := e.providers.Get(provider); !ok {
		return nil, invalid("provider", fmt.Sprintf("%s is not configured", provider))
	}
	if _, err := e.templates.Resolve(ctx, template.Source{
		TemplateID: req.TemplateID,
		Subject:    req.Subject,
		HTML:       req.HTML,
		Text:       req.Text,
	}); err != nil {
		if errors.Is(err, template.ErrNoContent) {
			return nil, invalid("subject", "subject, html or text is required")
		}
		return nil, err
	}

	recipients, duplicates := uniqueRecipients(req.Recipients)

	key := req.IdempotencyKey
	if key != "" {
		hash := req.fingerprint()
		rec, reserved, err := e.store.ReserveIdempotency(ctx, key, hash, now)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			return e.replayBulk(ctx, rec, hash)
		}
	}

	res, err := e.enqueueBulkLocked(ctx, req, provider, recipients, duplicates)
	if err == nil && key != "" {
		if ferr := e.store.FinalizeIdempotency(ctx, key, "", res.JobID, e.clock.Now()); ferr != nil {
			err = fmt.Errorf("finalize idempotency key: %w", ferr)
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

// enqueueBulkLocked creates the job and its messages while holding bulkMu
// so no counter update can interleave with the initial tally.
func (e *Engine) enqueueBulkLocked(ctx context.Context, req *BulkEnqueueRequest, provider domain.ESPType, recipients []BulkRecipient, duplicates int) (*BulkEnqueueResult, error) {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()

	now := e.clock.Now()
	job := &domain.BulkJob{
		ID:             e.newID(),
		Total:          len(recipients),
		Status:         domain.BulkQueued,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateBulkJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create bulk job: %w", err)
	}

	base := req.IdempotencyKey
	if base == "" {
		base = job.ID
	}
	res := &BulkEnqueueResult{JobID: job.ID, Total: job.Total, Duplicates: duplicates}

	for _, r := range recipients {
		tenant := r.TenantID
		if tenant == "" {
			tenant = req.TenantID
		}
		sub := &EnqueueRequest{
			To:             r.To,
			From:           req.From,
			FromName:       req.FromName,
			ReplyTo:        req.ReplyTo,
			Subject:        req.Subject,
			HTML:           req.HTML,
			Text:           req.Text,
			TemplateID:     req.TemplateID,
			Variables:      mergeVariables(req.Variables, r.Variables),
			Headers:        req.Headers,
			Provider:       provider,
			Category:       req.Category,
			TenantID:       tenant,
			ScheduledAt:    req.ScheduledAt,
			MaxRetries:     req.MaxRetries,
			IdempotencyKey: recipientKey(base, r.To),
			bulkJobID:      job.ID,
		}
		out, err := e.enqueue(ctx, sub)
		switch {
		case err != nil:
			job.Counters.Failed++
			res.Failed++
			logger.Warn("bulk recipient rejected",
				"bulk_job_id", job.ID,
				"email", r.To,
				"error", err.Error(),
			)
		case out.Status == domain.StatusSuppressed:
			job.Counters.Move("", domain.StatusSuppressed)
			res.Suppressed++
		default:
			job.Counters.Move("", out.Status)
			res.Queued++
		}
	}

	job.Recompute(e.clock.Now())
	job.UpdatedAt = e.clock.Now()
	if err := e.store.UpdateBulkJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update bulk job: %w", err)
	}
	res.Status = job.Status

	e.recordEvent(ctx, &domain.EmailEvent{
		BulkJobID: job.ID,
		Type:      domain.EventQueued,
		Provider:  provider,
		Details: map[string]interface{}{
			"total":      res.Total,
			"queued":     res.Queued,
			"suppressed": res.Suppressed,
			"failed":     res.Failed,
			"duplicates": res.Duplicates,
		},
	})
	logger.Info("bulk job enqueued",
		"bulk_job_id", job.ID,
		"provider", string(provider),
		"total", res.Total,
		"queued", res.Queued,
		"suppressed", res.Suppressed,
		"failed", res.Failed,
		"duplicates", res.Duplicates,
	)
	return res, nil
}

// replayBulk answers a repeated bulk request from the stored job. Counts
// reflect the job's current counters.
func (e *Engine) replayBulk(ctx context.Context, rec *domain.IdempotencyRecord, hash string) (*BulkEnqueueResult, error) {
	if !rec.Finalized() {
		return nil, ErrIdempotencyInProgress
	}
	if rec.RequestHash != hash {
		return nil, ErrIdempotencyConflict
	}
	if rec.BulkJobID == "" {
		return nil, ErrIdempotencyConflict
	}
	job, err := e.store.GetBulkJob(ctx, rec.BulkJobID)
	if err != nil {
		return nil, fmt.Errorf("load deduped bulk job: %w", err)
	}
	c := job.Counters
	return &BulkEnqueueResult{
		JobID:      job.ID,
		Total:      job.Total,
		Queued:     c.InFlight() + c.Delivered + c.Bounced + c.Complained,
		Suppressed: c.Suppressed,
		Failed:     c.Failed,
		Status:     job.Status,
		Deduped:    true,
	}, nil
}

// uniqueRecipients drops repeated addresses, keeping the first occurrence.
func uniqueRecipients(in []BulkRecipient) ([]BulkRecipient, int) {
	seen := make(map[string]struct{}, len(in))
	out := make([]BulkRecipient, 0, len(in))
	dups := 0
	for _, r := range in {
		norm := domain.NormalizeEmail(r.To)
		if norm != "" {
			if _, ok := seen[norm]; ok {
				dups++
				continue
			}
			seen[norm] = struct{}{}
		}
		out = append(out, r)
	}
	return out, dups
}

// mergeVariables overlays recipient variables on the shared ones.
func mergeVariables(shared, own map[string]interface{}) map[string]interface{} {
	if len(shared) == 0 {
		return own
	}
	if len(own) == 0 {
		return shared
	}
	out := make(map[string]interface{}, len(shared)+len(own))
	for k, v := range shared {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}
