package domain

import "time"

// EventType names a lifecycle event recorded against a message or job.
type EventType string

const (
	EventQueued          EventType = "queued"
	EventDeduped         EventType = "deduped"
	EventSuppressed      EventType = "suppressed"
	EventDeferred        EventType = "deferred"
	EventSending         EventType = "sending"
	EventSent            EventType = "sent"
	EventRetryScheduled  EventType = "retry_scheduled"
	EventFailed          EventType = "failed"
	EventDeadLettered    EventType = "dead_lettered"
	EventLeaseRecovered  EventType = "lease_recovered"
	EventProviderUpdate  EventType = "provider_event"
	EventCircuitOpened   EventType = "circuit_opened"
	EventCircuitClosed   EventType = "circuit_closed"
	EventDeadLetterAlert EventType = "dlq_alert"
	EventUnsubscribed    EventType = "unsubscribed"
)

// EmailEvent is an append-only audit record.
type EmailEvent struct {
	MessageID string                 `json:"message_id,omitempty"`
	BulkJobID string                 `json:"bulk_job_id,omitempty"`
	Type      EventType              `json:"type"`
	Provider  ESPType                `json:"provider,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ProviderEventType is the canonical kind of an inbound provider callback.
type ProviderEventType string

const (
	ProviderDelivered  ProviderEventType = "delivered"
	ProviderBounced    ProviderEventType = "bounced"
	ProviderFailed     ProviderEventType = "failed"
	ProviderComplained ProviderEventType = "complained"
)

// TargetStatus maps an event kind onto the message status it drives.
func (t ProviderEventType) TargetStatus() MessageStatus {
	switch t {
	case ProviderDelivered:
		return StatusDelivered
	case ProviderBounced:
		return StatusBounced
	case ProviderFailed:
		return StatusFailed
	case ProviderComplained:
		return StatusComplained
	default:
		return ""
	}
}

// ProviderEvent is an inbound delivery-status callback normalized from any
// provider's webhook shape.
type ProviderEvent struct {
	MessageID         string            `json:"message_id,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	EventID           string            `json:"event_id,omitempty"`
	Type              ProviderEventType `json:"type"`
	Provider          ESPType           `json:"provider"`
	Recipient         string            `json:"recipient,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Permanent         bool              `json:"permanent,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// DeadLetter is the terminal record written when a message exhausts retries
// or fails permanently.
type DeadLetter struct {
	MessageID    string    `json:"message_id" db:"message_id"`
	BulkJobID    string    `json:"bulk_job_id,omitempty" db:"bulk_job_id"`
	Provider     ESPType   `json:"provider" db:"provider"`
	Reason       string    `json:"reason" db:"reason"`
	LastError    string    `json:"last_error" db:"last_error"`
	StatusCode   int       `json:"status_code,omitempty" db:"status_code"`
	ProviderCode string    `json:"provider_code,omitempty" db:"provider_code"`
	Attempts     int       `json:"attempts" db:"attempts"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord maps a caller-supplied key to a request fingerprint and
// the resulting message or bulk job. An empty ResultID means reserved.
type IdempotencyRecord struct {
	Key         string     `json:"key" db:"idempotency_key"`
	RequestHash string     `json:"request_hash" db:"request_hash"`
	MessageID   string     `json:"message_id,omitempty" db:"message_id"`
	BulkJobID   string     `json:"bulk_job_id,omitempty" db:"bulk_job_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
}

// Finalized reports whether the key is linked to a result.
func (r *IdempotencyRecord) Finalized() bool {
	return r.FinalizedAt != nil && (r.MessageID != "" || r.BulkJobID != "")
}

// Template is a stored named template.
type Template struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Subject string `json:"subject" db:"subject"`
	HTML    string `json:"html" db:"html"`
	Text    string `json:"text" db:"text"`
}

// Alert is an operational notification raised by the delivery engine.
type Alert struct {
	Type      EventType              `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
