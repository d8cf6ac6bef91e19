package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/esp"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/suppression"
)

// Deferral reasons recorded on requeue events.
const (
	deferCircuitOpen = "provider_circuit_open"
	deferWarmup      = "warmup_limit"
	deferRateLimited = "rate_limited"
)

// Dead-letter reasons.
const (
	deadProviderError   = "provider_error"
	deadProviderTimeout = "provider_timeout"
)

// DrainResult summarizes one ProcessQueue pass.
type DrainResult struct {
	Claimed     int        `json:"claimed"`
	Sent        int        `json:"sent"`
	Retried     int        `json:"retried"`
	Failed      int        `json:"failed"`
	Suppressed  int        `json:"suppressed"`
	Deferred    int        `json:"deferred"`
	Recovered   int        `json:"recovered"`
	Skipped     int        `json:"skipped"`
	Errors      int        `json:"errors"`
	Busy        bool       `json:"busy,omitempty"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeRetry
	outcomeFailed
	outcomeSuppressed
	outcomeDeferred
)

// ProcessQueue runs one drain pass over at most limit due messages. A pass
// that starts while another is running returns immediately with Busy set.
// A store corruption error pauses draining for CorruptionPause.
func (e *Engine) ProcessQueue(ctx context.Context, limit int) (*DrainResult, error) {
	if !e.processing.CompareAndSwap(false, true) {
		return &DrainResult{Busy: true}, nil
	}
	defer e.processing.Store(false)

	if until := e.PausedUntil(); !until.IsZero() {
		return &DrainResult{PausedUntil: &until}, nil
	}
	if limit <= 0 {
		limit = e.cfg.BatchLimit
	}

	start := e.clock.Now()
	res := &DrainResult{}
	defer func() {
		elapsed := e.clock.Now().Sub(start)
		res.DurationMS = elapsed.Milliseconds()
		e.metrics.drainDuration.Observe(elapsed.Seconds())
	}()

	e.maybeSweep(ctx, start)

	token := e.newID()
	msgs, err := e.store.ClaimPendingMessages(ctx, limit, ClaimOptions{
		Token:        token,
		Now:          start,
		Lease:        e.cfg.LeaseDuration,
		StaleSending: e.cfg.StaleSending,
	})
	if err != nil {
		if errors.Is(err, ErrStoreCorrupted) {
			e.pause(ctx, err)
		}
		return res, fmt.Errorf("claim messages: %w", err)
	}
	res.Claimed = len(msgs)

	for _, m := range msgs {
		if ctx.Err() != nil {
			// Unprocessed claims expire with their lease.
			break
		}
		out, err := e.processOne(ctx, m, res)
		e.releaseClaim(ctx, m.ID, token)
		if err != nil {
			res.Errors++
			if errors.Is(err, ErrStoreCorrupted) {
				e.pause(ctx, err)
				return res, err
			}
			logger.Error("failed to process message", "message_id", m.ID, "error", err.Error())
			continue
		}
		switch out {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeSuppressed:
			res.Suppressed++
		case outcomeDeferred:
			res.Deferred++
		default:
			res.Skipped++
		}
	}

	if res.Claimed > 0 {
		logger.Info("queue drain complete",
			"claimed", res.Claimed,
			"sent", res.Sent,
			"retried", res.Retried,
			"failed", res.Failed,
			"suppressed", res.Suppressed,
			"deferred", res.Deferred,
			"recovered", res.Recovered,
			"errors", res.Errors,
		)
	}
	return res, nil
}

func (e *Engine) releaseClaim(ctx context.Context, id, token string) {
	if err := e.store.ReleaseMessageClaim(context.WithoutCancel(ctx), id, token); err != nil {
		logger.Warn("failed to release message claim", "message_id", id, "error", err.Error())
	}
}

// processOne drives a single claimed message through the gates and the
// provider call.
func (e *Engine) processOne(ctx context.Context, m *domain.Message, res *DrainResult) (outcome, error) {
	now := e.clock.Now()

	if m.Status == domain.StatusSending {
		ok, err := e.recoverStale(ctx, m, now)
		if err != nil || !ok {
			return outcomeSkipped, err
		}
		res.Recovered++
	}
	if !m.Status.Pending() {
		return outcomeSkipped, nil
	}

	suppressed, err := e.suppressions.IsSuppressed(ctx, m.To)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return e.suppressQueued(ctx, m, now)
	}

	if ok, wait := e.circuit.Allow(m.Provider, now); !ok {
		return e.deferMessage(ctx, m, now.Add(wait), deferCircuitOpen)
	}

	allowed, next, err := e.warmup.Check(ctx, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("warmup check: %w", err)
	}
	if !allowed {
		return e.deferMessage(ctx, m, next, deferWarmup)
	}

	if wait, blocked := e.checkRateLimits(ctx, m, now); blocked {
		return e.deferMessage(ctx, m, now.Add(wait), deferRateLimited)
	}

	leaseUntil := now.Add(e.cfg.LeaseDuration)
	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From:           m.Status,
		To:             domain.StatusSending,
		LastAttemptAt:  &now,
		LeaseExpiresAt: &leaseUntil,
	}, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark sending: %w", err)
	}
	if !applied {
		return outcomeSkipped, nil
	}
	prev := m.Status
	m.Status = domain.StatusSending
	m.LastAttemptAt = &now
	e.updateBulk(ctx, m, prev, domain.StatusSending)

	sender, ok := e.providers.Get(m.Provider)
	if !ok {
		return e.handleFailure(ctx, m, &esp.ProviderError{
			Provider:     m.Provider,
			ProviderCode: "provider_not_registered",
			Message:      "no adapter registered",
			Err:          esp.ErrNotConfigured,
		})
	}

	started := e.clock.Now()
	result, sendErr := sender.Send(ctx, e.buildEmail(m))
	latency := e.clock.Now().Sub(started).Seconds()
	if sendErr != nil {
		perr := esp.Classify(ctx, m.Provider, sendErr)
		e.metrics.sendLatency.WithLabelValues(string(m.Provider), "error").Observe(latency)
		return e.handleFailure(ctx, m, perr)
	}
	e.metrics.sendLatency.WithLabelValues(string(m.Provider), "sent").Observe(latency)
	return e.handleSent(ctx, m, result)
}

// recoverStale moves an abandoned sending row back to retry without
// counting an attempt.
func (e *Engine) recoverStale(ctx context.Context, m *domain.Message, now time.Time) (bool, error) {
	if !domain.CanRescheduleStatus(m.Status, domain.StatusRetry) {
		return false, nil
	}
	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From: domain.StatusSending,
		To:   domain.StatusRetry,
	}, now)
	if err != nil {
		return false, fmt.Errorf("recover stale lease: %w", err)
	}
	if !applied {
		return false, nil
	}
	m.Status = domain.StatusRetry
	e.updateBulk(ctx, m, domain.StatusSending, domain.StatusRetry)
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventLeaseRecovered,
		Provider:  m.Provider,
		Details:   map[string]interface{}{"last_attempt_at": m.LastAttemptAt},
	})
	logger.Warn("recovered stale sending message", "message_id", m.ID, "provider", string(m.Provider))
	return true, nil
}

func (e *Engine) suppressQueued(ctx context.Context, m *domain.Message, now time.Time) (outcome, error) {
	if !domain.CanRescheduleStatus(m.Status, domain.StatusSuppressed) {
		return outcomeSkipped, nil
	}
	reason := "recipient_suppressed"
	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From:          m.Status,
		To:            domain.StatusSuppressed,
		FailureReason: &reason,
	}, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark suppressed: %w", err)
	}
	if !applied {
		return outcomeSkipped, nil
	}
	prev := m.Status
	m.Status = domain.StatusSuppressed
	e.updateBulk(ctx, m, prev, domain.StatusSuppressed)
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventSuppressed,
		Provider:  m.Provider,
	})
	e.incrementMetric(ctx, string(domain.StatusSuppressed), now)
	return outcomeSuppressed, nil
}

// deferMessage pushes next_attempt_at out without changing status or
// retry_count.
func (e *Engine) deferMessage(ctx context.Context, m *domain.Message, until time.Time, reason string) (outcome, error) {
	now := e.clock.Now()
	if until.Before(now) {
		until = now
	}
	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From:          m.Status,
		To:            m.Status,
		NextAttemptAt: &until,
	}, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("defer message: %w", err)
	}
	if !applied {
		return outcomeSkipped, nil
	}
	m.NextAttemptAt = &until
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventDeferred,
		Provider:  m.Provider,
		Details: map[string]interface{}{
			"reason":          reason,
			"next_attempt_at": until,
		},
	})
	e.metrics.deferTotal.WithLabelValues(string(m.Provider), reason).Inc()
	logger.Debug("message deferred", "message_id", m.ID, "reason", reason, "until", until.Format(time.RFC3339))
	return outcomeDeferred, nil
}

// checkRateLimits consults the provider, tenant and domain keys together.
// A slot is taken on every key only when all of them allow the send, so a
// deferred message never counts against the keys that had room. Limiter
// errors fail open.
func (e *Engine) checkRateLimits(ctx context.Context, m *domain.Message, now time.Time) (time.Duration, bool) {
	providerLimit := e.cfg.ProviderRateLimit
	if l, ok := e.cfg.ProviderRateLimits[m.Provider]; ok {
		providerLimit = l
	}
	keys := []RateKey{{Key: "provider:" + string(m.Provider), Limit: providerLimit}}
	if m.TenantID != "" {
		keys = append(keys, RateKey{Key: "tenant:" + m.TenantID, Limit: e.cfg.TenantRateLimit})
	}
	if d := m.RecipientDomain(); d != "" {
		keys = append(keys, RateKey{Key: "domain:" + d, Limit: e.cfg.DomainRateLimit})
	}

	d, err := e.limiter.Allow(ctx, keys, now)
	if err != nil {
		logger.Warn("rate limiter unavailable", "message_id", m.ID, "error", err.Error())
		return 0, false
	}
	if d.Allowed {
		return 0, false
	}
	return d.RetryAfter, true
}

// buildEmail renders the outbound message with final headers.
func (e *Engine) buildEmail(m *domain.Message) *domain.EmailMessage {
	headers := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.Category == domain.CategoryMarketing && e.unsubscribe.Enabled() {
		for k, v := range e.unsubscribe.Headers(m.To, m.ID) {
			headers[k] = v
		}
	}
	return &domain.EmailMessage{
		MessageID: m.ID,
		To:        m.To,
		From:      m.From,
		FromName:  m.FromName,
		ReplyTo:   m.ReplyTo,
		Subject:   m.Subject,
		HTML:      m.HTML,
		Text:      m.Text,
		Headers:   headers,
		TenantID:  m.TenantID,
		BulkJobID: m.BulkJobID,
	}
}

func (e *Engine) handleSent(ctx context.Context, m *domain.Message, result *domain.SendResult) (outcome, error) {
	now := e.clock.Now()
	var providerID string
	if result != nil {
		providerID = result.ProviderMessageID
	}

	if e.circuit.RecordSuccess(m.Provider) {
		e.onCircuitClosed(ctx, m.Provider)
	}
	e.metrics.attemptTotal.WithLabelValues(string(m.Provider), "sent").Inc()
	e.incrementMetric(ctx, metricSent, now)

	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From:              domain.StatusSending,
		To:                domain.StatusSent,
		ProviderMessageID: &providerID,
	}, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark sent: %w", err)
	}
	if !applied {
		// A provider callback already moved the message on.
		logger.Debug("sent transition superseded", "message_id", m.ID)
		return outcomeSent, nil
	}
	m.Status = domain.StatusSent
	m.ProviderMessageID = providerID
	e.updateBulk(ctx, m, domain.StatusSending, domain.StatusSent)
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventSent,
		Provider:  m.Provider,
		Details: map[string]interface{}{
			"provider_message_id": providerID,
			"attempt":             m.RetryCount + 1,
		},
	})
	return outcomeSent, nil
}

func (e *Engine) handleFailure(ctx context.Context, m *domain.Message, perr *esp.ProviderError) (outcome, error) {
	now := e.clock.Now()
	reason := perr.Error()

	if perr.Retryable && e.circuit.RecordFailure(m.Provider, now) {
		e.onCircuitOpened(ctx, m.Provider, now)
	}

	if perr.Retryable && m.RetryCount < m.MaxRetries && domain.CanRescheduleStatus(m.Status, domain.StatusRetry) {
		n := m.RetryCount + 1
		delay := e.backoff.Delay(n)
		next := now.Add(delay)
		applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
			From:          domain.StatusSending,
			To:            domain.StatusRetry,
			RetryCount:    &n,
			NextAttemptAt: &next,
			FailureReason: &reason,
		}, now)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("schedule retry: %w", err)
		}
		if !applied {
			return outcomeSkipped, nil
		}
		m.Status = domain.StatusRetry
		m.RetryCount = n
		m.NextAttemptAt = &next
		e.updateBulk(ctx, m, domain.StatusSending, domain.StatusRetry)
		e.metrics.attemptTotal.WithLabelValues(string(m.Provider), "retry").Inc()
		e.recordEvent(ctx, &domain.EmailEvent{
			MessageID: m.ID,
			BulkJobID: m.BulkJobID,
			Type:      domain.EventRetryScheduled,
			Provider:  m.Provider,
			Details: map[string]interface{}{
				"retry_count":     n,
				"delay_ms":        delay.Milliseconds(),
				"next_attempt_at": next,
				"status_code":     perr.StatusCode,
				"provider_code":   perr.ProviderCode,
				"error":           reason,
			},
		})
		logger.Warn("provider send failed, retry scheduled",
			"message_id", m.ID,
			"provider", string(m.Provider),
			"retry_count", n,
			"delay", delay.String(),
			"error", reason,
		)
		return outcomeRetry, nil
	}

	applied, err := e.store.UpdateMessageStatus(ctx, m.ID, domain.StatusUpdate{
		From:          domain.StatusSending,
		To:            domain.StatusFailed,
		FailureReason: &reason,
	}, now)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark failed: %w", err)
	}
	if !applied {
		return outcomeSkipped, nil
	}
	m.Status = domain.StatusFailed
	m.FailureReason = reason
	e.updateBulk(ctx, m, domain.StatusSending, domain.StatusFailed)
	e.metrics.attemptTotal.WithLabelValues(string(m.Provider), "failed").Inc()
	e.incrementMetric(ctx, string(domain.StatusFailed), now)
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventFailed,
		Provider:  m.Provider,
		Details: map[string]interface{}{
			"status_code":   perr.StatusCode,
			"provider_code": perr.ProviderCode,
			"retryable":     perr.Retryable,
			"error":         reason,
		},
	})

	if !perr.Retryable && suppression.IsHardBounce(perr.Message) {
		if _, err := e.suppressions.Suppress(ctx, m.To, domain.ReasonHardBounce, domain.SourceProviderError, m.ID); err != nil {
			logger.Warn("failed to suppress hard-bounced recipient", "message_id", m.ID, "error", err.Error())
		}
	}

	return outcomeFailed, e.deadLetter(ctx, m, perr, now)
}

// deadLetter writes the DLQ record, archives it and checks the backlog.
func (e *Engine) deadLetter(ctx context.Context, m *domain.Message, perr *esp.ProviderError, now time.Time) error {
	reason := deadProviderError
	if perr.Timeout() {
		reason = deadProviderTimeout
	}
	dl := &domain.DeadLetter{
		MessageID:    m.ID,
		BulkJobID:    m.BulkJobID,
		Provider:     m.Provider,
		Reason:       reason,
		LastError:    perr.Error(),
		StatusCode:   perr.StatusCode,
		ProviderCode: perr.ProviderCode,
		Attempts:     m.RetryCount + 1,
		CreatedAt:    now,
	}
	if err := e.store.InsertDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	e.metrics.deadTotal.WithLabelValues(string(m.Provider), reason).Inc()
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: m.ID,
		BulkJobID: m.BulkJobID,
		Type:      domain.EventDeadLettered,
		Provider:  m.Provider,
		Details: map[string]interface{}{
			"reason":   reason,
			"attempts": dl.Attempts,
			"error":    dl.LastError,
		},
	})
	logger.Warn("message dead-lettered",
		"message_id", m.ID,
		"provider", string(m.Provider),
		"reason", reason,
		"attempts", dl.Attempts,
		"error", dl.LastError,
	)

	if e.archiver != nil {
		if err := e.archiver.ArchiveDeadLetter(ctx, dl); err != nil {
			logger.Warn("failed to archive dead letter", "message_id", m.ID, "error", err.Error())
		}
	}

	e.checkDeadLetterBacklog(ctx, now)
	return nil
}

// checkDeadLetterBacklog raises an alert once the open dead-letter count
// reaches the threshold, at most once per DeadLetterAlertInterval.
func (e *Engine) checkDeadLetterBacklog(ctx context.Context, now time.Time) {
	count, err := e.store.CountOpenDeadLetters(ctx)
	if err != nil {
		logger.Warn("failed to count dead letters", "error", err.Error())
		return
	}
	e.metrics.openDeadLetters.Set(float64(count))
	if count < e.cfg.DeadLetterAlertThreshold {
		return
	}

	e.mu.Lock()
	if !e.lastDLQWarn.IsZero() && now.Sub(e.lastDLQWarn) < e.cfg.DeadLetterAlertInterval {
		e.mu.Unlock()
		return
	}
	e.lastDLQWarn = now
	e.mu.Unlock()

	alert := domain.Alert{
		Type:     domain.EventDeadLetterAlert,
		Severity: "critical",
		Message:  fmt.Sprintf("%d open dead-letter messages (threshold %d)", count, e.cfg.DeadLetterAlertThreshold),
		Details: map[string]interface{}{
			"open":      count,
			"threshold": e.cfg.DeadLetterAlertThreshold,
		},
		CreatedAt: now,
	}
	e.recordEvent(ctx, &domain.EmailEvent{Type: domain.EventDeadLetterAlert, Details: alert.Details, CreatedAt: now})
	e.logHealth(ctx, "dead_letter_queue", "backlog_alert", alert.Details)
	logger.Error("dead-letter backlog over threshold", "open", count, "threshold", e.cfg.DeadLetterAlertThreshold)
	e.notify(ctx, alert)
}

func (e *Engine) onCircuitOpened(ctx context.Context, p domain.ESPType, now time.Time) {
	e.metrics.circuitOpen.WithLabelValues(string(p)).Set(1)
	details := map[string]interface{}{
		"provider":   string(p),
		"open_until": now.Add(e.cfg.CircuitCooldown),
		"threshold":  e.cfg.CircuitThreshold,
	}
	e.recordEvent(ctx, &domain.EmailEvent{Type: domain.EventCircuitOpened, Provider: p, Details: details, CreatedAt: now})
	e.logHealth(ctx, "circuit_breaker", "opened", details)
	logger.Warn("provider circuit opened", "provider", string(p), "cooldown", e.cfg.CircuitCooldown.String())
	e.notify(ctx, domain.Alert{
		Type:      domain.EventCircuitOpened,
		Severity:  "warning",
		Message:   fmt.Sprintf("circuit opened for provider %s", p),
		Details:   details,
		CreatedAt: now,
	})
}

func (e *Engine) onCircuitClosed(ctx context.Context, p domain.ESPType) {
	e.metrics.circuitOpen.WithLabelValues(string(p)).Set(0)
	details := map[string]interface{}{"provider": string(p)}
	e.recordEvent(ctx, &domain.EmailEvent{Type: domain.EventCircuitClosed, Provider: p, Details: details})
	e.logHealth(ctx, "circuit_breaker", "closed", details)
	logger.Info("provider circuit closed", "provider", string(p))
}

func (e *Engine) notify(ctx context.Context, alert domain.Alert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, alert); err != nil {
		logger.Warn("failed to deliver alert", "type", string(alert.Type), "error", err.Error())
	}
}

// maybeSweep removes expired provider-event dedup records once per
// DedupSweepInterval.
func (e *Engine) maybeSweep(ctx context.Context, now time.Time) {
	e.mu.Lock()
	if !e.lastSweep.IsZero() && now.Sub(e.lastSweep) < e.cfg.DedupSweepInterval {
		e.mu.Unlock()
		return
	}
	e.lastSweep = now
	e.mu.Unlock()

	removed, err := e.store.CleanupExpiredProviderEvents(ctx, e.cfg.EventDedupTTL, now)
	if err != nil {
		logger.Warn("failed to sweep provider event dedup records", "error", err.Error())
	}
	cached := e.dedup.Sweep(now)
	if removed > 0 || cached > 0 {
		logger.Info("swept provider event dedup records", "stored", removed, "cached", cached)
	}
}
