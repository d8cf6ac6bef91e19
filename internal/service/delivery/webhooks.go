package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Webhook normalizers turn each provider's callback shape into canonical
// ProviderEvents. Event kinds that do not affect message state (opens,
// clicks, deferrals, temporary failures) are dropped here.

// sendGridEvent is one element of a SendGrid event webhook batch. Custom
// args set at send time come back as top-level fields.
type sendGridEvent struct {
	Event       string          `json:"event"`
	SGMessageID string          `json:"sg_message_id"`
	SGEventID   string          `json:"sg_event_id"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Email       string          `json:"email"`
	Reason      string          `json:"reason"`
	Response    string          `json:"response"`
	Status      string          `json:"status"`
	Type        string          `json:"type"`
	MessageID   string          `json:"message_id"`
}

// NormalizeSendGrid parses a SendGrid event webhook body (a JSON array).
func NormalizeSendGrid(body []byte) ([]*domain.ProviderEvent, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: sendgrid payload: %v", ErrInvalidEvent, err)
	}
	out := make([]*domain.ProviderEvent, 0, len(raw))
	for _, ev := range raw {
		pe := &domain.ProviderEvent{
			MessageID:         ev.MessageID,
			ProviderMessageID: sendGridMessageID(ev.SGMessageID),
			EventID:           ev.SGEventID,
			Provider:          domain.ESPSendGrid,
			Recipient:         ev.Email,
			Reason:            joinReasons(ev.Reason, ev.Response, ev.Status),
			OccurredAt:        parseTimestamp(ev.Timestamp),
		}
		switch strings.ToLower(ev.Event) {
		case "delivered":
			pe.Type = domain.ProviderDelivered
		case "bounce":
			pe.Type = domain.ProviderBounced
			pe.Permanent = !strings.EqualFold(ev.Type, "blocked")
		case "dropped":
			pe.Type = domain.ProviderFailed
		case "spamreport":
			pe.Type = domain.ProviderComplained
		default:
			continue
		}
		out = append(out, pe)
	}
	return out, nil
}

// sendGridMessageID strips the filter suffix SendGrid appends to the
// X-Message-Id it returned at send time.
func sendGridMessageID(id string) string {
	if i := strings.Index(id, "."); i > 0 {
		return id[:i]
	}
	return id
}

type mailgunPayload struct {
	EventData struct {
		ID             string          `json:"id"`
		Event          string          `json:"event"`
		Timestamp      json.RawMessage `json:"timestamp"`
		Severity       string          `json:"severity"`
		Recipient      string          `json:"recipient"`
		Reason         string          `json:"reason"`
		DeliveryStatus struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		} `json:"delivery-status"`
		Message struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
		UserVariables map[string]interface{} `json:"user-variables"`
	} `json:"event-data"`
}

// NormalizeMailgun parses a Mailgun webhook body (one event-data object).
func NormalizeMailgun(body []byte) ([]*domain.ProviderEvent, error) {
	var p mailgunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: mailgun payload: %v", ErrInvalidEvent, err)
	}
	ed := p.EventData
	pe := &domain.ProviderEvent{
		MessageID:         stringVar(ed.UserVariables, "message_id"),
		ProviderMessageID: strings.Trim(ed.Message.Headers.MessageID, "<>"),
		EventID:           ed.ID,
		Provider:          domain.ESPMailgun,
		Recipient:         ed.Recipient,
		Reason:            joinReasons(ed.DeliveryStatus.Description, ed.DeliveryStatus.Message, ed.Reason),
		OccurredAt:        parseTimestamp(ed.Timestamp),
	}
	switch strings.ToLower(ed.Event) {
	case "delivered":
		pe.Type = domain.ProviderDelivered
	case "failed":
		if strings.EqualFold(ed.Severity, "temporary") {
			return nil, nil
		}
		pe.Type = domain.ProviderFailed
		pe.Permanent = true
	case "complained":
		pe.Type = domain.ProviderComplained
	default:
		return nil, nil
	}
	return []*domain.ProviderEvent{pe}, nil
}

// snsEnvelope is the SNS HTTP delivery wrapper around SES notifications.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Timestamp   string              `json:"timestamp"`
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		FeedbackID        string         `json:"feedbackId"`
		Timestamp         string         `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients  []sesRecipient `json:"complainedRecipients"`
		ComplaintFeedbackType string         `json:"complaintFeedbackType"`
		FeedbackID            string         `json:"feedbackId"`
		Timestamp             string         `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Recipients []string `json:"recipients"`
		Timestamp  string   `json:"timestamp"`
	} `json:"delivery"`
}

// SESResult is a normalized SNS delivery. SubscribeURL is set for
// subscription confirmations, which carry no events.
type SESResult struct {
	Events       []*domain.ProviderEvent
	SubscribeURL string
}

// NormalizeSES parses an SNS-wrapped SES notification. Transient bounces
// are dropped.
func NormalizeSES(body []byte) (*SESResult, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: sns envelope: %v", ErrInvalidEvent, err)
	}
	switch env.Type {
	case "SubscriptionConfirmation":
		return &SESResult{SubscribeURL: env.SubscribeURL}, nil
	case "Notification", "":
	default:
		return &SESResult{}, nil
	}

	msgBody := env.Message
	if msgBody == "" {
		msgBody = string(body)
	}
	var n sesNotification
	if err := json.Unmarshal([]byte(msgBody), &n); err != nil {
		return nil, fmt.Errorf("%w: ses notification: %v", ErrInvalidEvent, err)
	}
	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	base := domain.ProviderEvent{
		MessageID:         firstTag(n.Mail.Tags, "message_id"),
		ProviderMessageID: n.Mail.MessageID,
		Provider:          domain.ESPSES,
	}
	res := &SESResult{}
	emit := func(t domain.ProviderEventType, id, recipient, reason, ts string, permanent bool, idx, total int) {
		pe := base
		pe.Type = t
		pe.EventID = id
		if total > 1 {
			pe.EventID = fmt.Sprintf("%s:%d", id, idx)
		}
		pe.Recipient = recipient
		pe.Reason = reason
		pe.Permanent = permanent
		pe.OccurredAt = parseTimeString(ts, n.Mail.Timestamp, env.Timestamp)
		res.Events = append(res.Events, &pe)
	}

	switch kind {
	case "Delivery":
		if n.Delivery == nil {
			return res, nil
		}
		for i, r := range n.Delivery.Recipients {
			emit(domain.ProviderDelivered, env.MessageID, r, "", n.Delivery.Timestamp, false, i, len(n.Delivery.Recipients))
		}
	case "Bounce":
		if n.Bounce == nil || !strings.EqualFold(n.Bounce.BounceType, "Permanent") {
			return res, nil
		}
		id := n.Bounce.FeedbackID
		if id == "" {
			id = env.MessageID
		}
		for i, r := range n.Bounce.BouncedRecipients {
			reason := joinReasons(r.DiagnosticCode, n.Bounce.BounceSubType)
			emit(domain.ProviderBounced, id, r.EmailAddress, reason, n.Bounce.Timestamp, true, i, len(n.Bounce.BouncedRecipients))
		}
	case "Complaint":
		if n.Complaint == nil {
			return res, nil
		}
		id := n.Complaint.FeedbackID
		if id == "" {
			id = env.MessageID
		}
		for i, r := range n.Complaint.ComplainedRecipients {
			emit(domain.ProviderComplained, id, r.EmailAddress, n.Complaint.ComplaintFeedbackType, n.Complaint.Timestamp, false, i, len(n.Complaint.ComplainedRecipients))
		}
	}
	return res, nil
}

// sparkPostBatch is the SparkPost webhook shape: an array of msys wrappers
// keyed by event class.
type sparkPostBatch []struct {
	Msys map[string]sparkPostEvent `json:"msys"`
}

type sparkPostEvent struct {
	Type           string                 `json:"type"`
	EventID        string                 `json:"event_id"`
	TransmissionID string                 `json:"transmission_id"`
	Timestamp      json.RawMessage        `json:"timestamp"`
	RcptTo         string                 `json:"rcpt_to"`
	Reason         string                 `json:"reason"`
	RawReason      string                 `json:"raw_reason"`
	BounceClass    string                 `json:"bounce_class"`
	RcptMeta       map[string]interface{} `json:"rcpt_meta"`
}

// sparkPostHardClasses are the bounce classes SparkPost documents as
// permanent: invalid recipient, generic bounce, no RCPT.
var sparkPostHardClasses = map[string]bool{"10": true, "25": true, "30": true, "90": true}

// NormalizeSparkPost parses a SparkPost event webhook batch.
func NormalizeSparkPost(body []byte) ([]*domain.ProviderEvent, error) {
	var batch sparkPostBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("%w: sparkpost payload: %v", ErrInvalidEvent, err)
	}
	var out []*domain.ProviderEvent
	for _, item := range batch {
		for _, ev := range item.Msys {
			pe := &domain.ProviderEvent{
				MessageID:         stringVar(ev.RcptMeta, "message_id"),
				ProviderMessageID: ev.TransmissionID,
				EventID:           ev.EventID,
				Provider:          domain.ESPSparkPost,
				Recipient:         ev.RcptTo,
				Reason:            joinReasons(ev.RawReason, ev.Reason),
				OccurredAt:        parseTimestamp(ev.Timestamp),
			}
			switch ev.Type {
			case "delivery":
				pe.Type = domain.ProviderDelivered
			case "bounce", "out_of_band":
				pe.Type = domain.ProviderBounced
				pe.Permanent = sparkPostHardClasses[ev.BounceClass]
			case "spam_complaint":
				pe.Type = domain.ProviderComplained
			case "policy_rejection", "generation_rejection", "generation_failure":
				pe.Type = domain.ProviderFailed
			default:
				continue
			}
			out = append(out, pe)
		}
	}
	return out, nil
}

// genericEvent is the provider-neutral callback shape.
type genericEvent struct {
	MessageID         string          `json:"message_id"`
	ProviderMessageID string          `json:"provider_message_id"`
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Type              string          `json:"type"`
	Provider          string          `json:"provider"`
	Recipient         string          `json:"recipient"`
	Reason            string          `json:"reason"`
	Permanent         bool            `json:"permanent"`
	Timestamp         json.RawMessage `json:"timestamp"`
}

// NormalizeGeneric parses a single generic event or an array of them.
// Unknown event types are passed through so the reconciler reports them
// as invalid.
func NormalizeGeneric(body []byte) ([]*domain.ProviderEvent, error) {
	trimmed := bytes.TrimSpace(body)
	var raw []genericEvent
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: generic payload: %v", ErrInvalidEvent, err)
		}
	} else {
		var one genericEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: generic payload: %v", ErrInvalidEvent, err)
		}
		raw = []genericEvent{one}
	}

	out := make([]*domain.ProviderEvent, 0, len(raw))
	for _, ev := range raw {
		kind := ev.EventType
		if kind == "" {
			kind = ev.Type
		}
		out = append(out, &domain.ProviderEvent{
			MessageID:         ev.MessageID,
			ProviderMessageID: ev.ProviderMessageID,
			EventID:           ev.EventID,
			Type:              canonicalEventType(kind),
			Provider:          domain.ESPType(strings.ToLower(ev.Provider)),
			Recipient:         ev.Recipient,
			Reason:            ev.Reason,
			Permanent:         ev.Permanent,
			OccurredAt:        parseTimestamp(ev.Timestamp),
		})
	}
	return out, nil
}

func canonicalEventType(kind string) domain.ProviderEventType {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "delivered", "delivery":
		return domain.ProviderDelivered
	case "bounced", "bounce":
		return domain.ProviderBounced
	case "failed", "dropped", "rejected":
		return domain.ProviderFailed
	case "complained", "complaint", "spamreport", "spam_complaint":
		return domain.ProviderComplained
	default:
		return domain.ProviderEventType(kind)
	}
}

// parseTimestamp accepts unix seconds (integer or fractional, as a number
// or a string) and RFC 3339 strings. Anything else yields the zero time,
// which the reconciler replaces with the receive time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return unixFloat(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseTimeString(s)
	}
	return time.Time{}
}

// parseTimeString returns the first candidate that parses.
func parseTimeString(candidates ...string) time.Time {
	for _, s := range candidates {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixFloat(f)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func unixFloat(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func joinReasons(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}

func stringVar(vars map[string]interface{}, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func firstTag(tags map[string][]string, key string) string {
	if v := tags[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
