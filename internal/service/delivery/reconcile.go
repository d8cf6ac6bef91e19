package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/suppression"
)

// EventOutcome describes what happened to one inbound provider event.
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDeduped   EventOutcome = "deduped"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeUnmatched EventOutcome = "unmatched"
	OutcomeInvalid   EventOutcome = "invalid"
	OutcomeError     EventOutcome = "error"
)

// EventResult is the per-event reconciliation report.
type EventResult struct {
	Key         string                   `json:"key,omitempty"`
	MessageID   string                   `json:"message_id,omitempty"`
	Type        domain.ProviderEventType `json:"type"`
	Outcome     EventOutcome             `json:"outcome"`
	Status      domain.MessageStatus     `json:"status,omitempty"`
	BounceClass string                   `json:"bounce_class,omitempty"`
	Suppressed  bool                     `json:"suppressed,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// BatchResult totals a webhook delivery.
type BatchResult struct {
	Received  int            `json:"received"`
	Applied   int            `json:"applied"`
	Deduped   int            `json:"deduped"`
	Ignored   int            `json:"ignored"`
	Unmatched int            `json:"unmatched"`
	Invalid   int            `json:"invalid"`
	Errors    int            `json:"errors"`
	Results   []*EventResult `json:"results"`
}

// HandleProviderEvent applies one normalized provider callback exactly once.
// The durable dedup key is claimed before the status change so concurrent
// duplicates cannot both apply; if the change then fails the claim is
// released, so the provider's redelivery is applied instead of deduped. A
// transition the state machine rejects keeps its claim and reports ignored.
func (e *Engine) HandleProviderEvent(ctx context.Context, ev *domain.ProviderEvent) (*EventResult, error) {
	res, err := e.handleProviderEvent(ctx, ev)
	if err == nil && res.Key != "" {
		if err := e.dedup.Mark(ctx, res.Key, e.clock.Now()); err != nil {
			logger.Warn("dedup cache mark failed", "key", res.Key, "error", err.Error())
		}
	}
	return res, err
}

func (e *Engine) handleProviderEvent(ctx context.Context, ev *domain.ProviderEvent) (*EventResult, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: empty event", ErrInvalidEvent)
	}
	target := ev.Type.TargetStatus()
	if target == "" {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.MessageID == "" && ev.ProviderMessageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidEvent)
	}
	now := e.clock.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	res := &EventResult{MessageID: ev.MessageID, Type: ev.Type}

	msg, err := e.findEventMessage(ctx, ev)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		res.MessageID = msg.ID
		if ev.Provider == "" {
			ev.Provider = msg.Provider
		}
		if ev.Recipient == "" {
			ev.Recipient = msg.To
		}
	}
	res.Key = EventKey(ev)

	seen, err := e.dedup.Seen(ctx, res.Key, now)
	if err != nil {
		logger.Warn("dedup cache lookup failed", "key", res.Key, "error", err.Error())
	}
	if seen {
		return e.eventDone(ev, res, OutcomeDeduped), nil
	}
	fresh, err := e.store.SaveProviderEvent(ctx, res.Key, ev, now)
	if err != nil {
		return nil, fmt.Errorf("save provider event: %w", err)
	}
	if !fresh {
		return e.eventDone(ev, res, OutcomeDeduped), nil
	}

	e.applySuppression(ctx, ev, res)

	if msg == nil {
		logger.Warn("provider event for unknown message",
			"provider", string(ev.Provider),
			"message_id", ev.MessageID,
			"provider_message_id", ev.ProviderMessageID,
			"type", string(ev.Type),
		)
		return e.eventDone(ev, res, OutcomeUnmatched), nil
	}

	res.Status = msg.Status
	if !domain.CanTransitionStatus(msg.Status, target) {
		logger.Debug("provider event dropped by state machine",
			"message_id", msg.ID,
			"from", string(msg.Status),
			"to", string(target),
			"terminal", msg.Status.Terminal(),
		)
		return e.eventDone(ev, res, OutcomeIgnored), nil
	}

	upd := domain.StatusUpdate{From: msg.Status, To: target}
	if ev.Reason != "" && target != domain.StatusDelivered {
		reason := ev.Reason
		upd.FailureReason = &reason
	}
	applied, err := e.store.UpdateMessageStatus(ctx, msg.ID, upd, now)
	if err != nil {
		if derr := e.store.DeleteProviderEvent(ctx, res.Key); derr != nil {
			logger.Error("failed to release provider event claim", "key", res.Key, "error", derr.Error())
		}
		return nil, fmt.Errorf("apply provider event: %w", err)
	}
	if !applied {
		return e.eventDone(ev, res, OutcomeIgnored), nil
	}
	prev := msg.Status
	msg.Status = target
	res.Status = target
	e.updateBulk(ctx, msg, prev, target)
	e.incrementMetric(ctx, string(target), now)
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: msg.ID,
		BulkJobID: msg.BulkJobID,
		Type:      domain.EventProviderUpdate,
		Provider:  ev.Provider,
		Details: map[string]interface{}{
			"event":       string(ev.Type),
			"event_id":    ev.EventID,
			"from":        string(prev),
			"to":          string(target),
			"reason":      ev.Reason,
			"occurred_at": ev.OccurredAt,
		},
	})
	return e.eventDone(ev, res, OutcomeApplied), nil
}

// HandleProviderEvents applies a webhook batch. Per-event failures are
// reported in the result; only store corruption aborts the batch.
func (e *Engine) HandleProviderEvents(ctx context.Context, events []*domain.ProviderEvent) (*BatchResult, error) {
	out := &BatchResult{Received: len(events), Results: make([]*EventResult, 0, len(events))}
	for _, ev := range events {
		res, err := e.HandleProviderEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, ErrStoreCorrupted) {
				return out, err
			}
			r := &EventResult{Outcome: OutcomeError, Error: err.Error()}
			if ev != nil {
				r.MessageID = ev.MessageID
				r.Type = ev.Type
			}
			if errors.Is(err, ErrInvalidEvent) {
				r.Outcome = OutcomeInvalid
				out.Invalid++
			} else {
				out.Errors++
			}
			out.Results = append(out.Results, r)
			continue
		}
		switch res.Outcome {
		case OutcomeApplied:
			out.Applied++
		case OutcomeDeduped:
			out.Deduped++
		case OutcomeIgnored:
			out.Ignored++
		case OutcomeUnmatched:
			out.Unmatched++
		}
		out.Results = append(out.Results, res)
	}
	logger.Info("provider webhook batch processed",
		"received", out.Received,
		"applied", out.Applied,
		"deduped", out.Deduped,
		"ignored", out.Ignored,
		"unmatched", out.Unmatched,
		"invalid", out.Invalid,
		"errors", out.Errors,
	)
	return out, nil
}

// findEventMessage locates the message by our id first, then by the
// provider's id. A nil message with a nil error means no match.
func (e *Engine) findEventMessage(ctx context.Context, ev *domain.ProviderEvent) (*domain.Message, error) {
	if ev.MessageID != "" {
		msg, err := e.store.GetMessage(ctx, ev.MessageID)
		switch {
		case err == nil:
			return msg, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load message: %w", err)
		}
	}
	if ev.ProviderMessageID != "" && ev.Provider != "" {
		msg, err := e.store.GetMessageByProviderID(ctx, ev.Provider, ev.ProviderMessageID)
		switch {
		case err == nil:
			return msg, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load message by provider id: %w", err)
		}
	}
	return nil, nil
}

// applySuppression adds the recipient to the suppression list for
// complaints and hard bounces.
func (e *Engine) applySuppression(ctx context.Context, ev *domain.ProviderEvent, res *EventResult) {
	var reason domain.SuppressionReason
	switch ev.Type {
	case domain.ProviderComplained:
		reason = domain.ReasonComplaint
	case domain.ProviderBounced:
		res.BounceClass = string(suppression.SoftBounce)
		if ev.Permanent || suppression.IsHardBounce(ev.Reason) {
			res.BounceClass = string(suppression.HardBounce)
			reason = domain.ReasonHardBounce
		}
	case domain.ProviderFailed:
		res.BounceClass = string(suppression.ClassifyBounce(ev.Reason))
		if res.BounceClass == string(suppression.HardBounce) {
			reason = domain.ReasonHardBounce
		}
	}
	if reason == "" || ev.Recipient == "" {
		return
	}
	created, err := e.suppressions.Suppress(ctx, ev.Recipient, reason, domain.SourceProviderWebhook, res.MessageID)
	if err != nil {
		logger.Warn("failed to suppress recipient from provider event",
			"message_id", res.MessageID,
			"reason", string(reason),
			"error", err.Error(),
		)
		return
	}
	res.Suppressed = true
	if created {
		logger.Info("recipient suppressed", "email", ev.Recipient, "reason", string(reason), "message_id", res.MessageID)
	}
}

func (e *Engine) eventDone(ev *domain.ProviderEvent, res *EventResult, outcome EventOutcome) *EventResult {
	res.Outcome = outcome
	e.metrics.eventTotal.WithLabelValues(string(ev.Provider), string(ev.Type), string(outcome)).Inc()
	return res
}
