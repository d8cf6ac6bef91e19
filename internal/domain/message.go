package domain

import "time"

// MessageStatus enumerates the lifecycle states of an outbound message.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusRetry      MessageStatus = "retry"
	StatusSending    MessageStatus = "sending"
	StatusSent       MessageStatus = "sent"
	StatusDelivered  MessageStatus = "delivered"
	StatusBounced    MessageStatus = "bounced"
	StatusComplained MessageStatus = "complained"
	StatusFailed     MessageStatus = "failed"
	StatusSuppressed MessageStatus = "suppressed"
)

// AllStatuses lists every message status in lifecycle order.
var AllStatuses = []MessageStatus{
	StatusQueued, StatusRetry, StatusSending, StatusSent, StatusDelivered,
	StatusBounced, StatusComplained, StatusFailed, StatusSuppressed,
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no outgoing transition exists from s.
func (s MessageStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Pending reports whether the drain may still pick the message up.
func (s MessageStatus) Pending() bool {
	return s == StatusQueued || s == StatusRetry
}

// transitions is the directed status graph applied to provider events and
// drain outcomes. bounced, complained, failed and suppressed are terminal.
var transitions = map[MessageStatus]map[MessageStatus]bool{
	StatusQueued: {
		StatusSending: true, StatusSent: true, StatusFailed: true,
		StatusDelivered: true, StatusBounced: true, StatusComplained: true,
	},
	StatusRetry: {
		StatusSending: true, StatusSent: true, StatusFailed: true,
		StatusDelivered: true, StatusBounced: true, StatusComplained: true,
	},
	StatusSending: {
		StatusSent: true, StatusFailed: true, StatusDelivered: true,
		StatusBounced: true, StatusComplained: true,
	},
	StatusSent: {
		StatusDelivered: true, StatusBounced: true, StatusComplained: true, StatusFailed: true,
	},
	StatusDelivered: {
		StatusComplained: true,
	},
}

// CanTransitionStatus reports whether a message may move from one status to
// another. Self-loops and unknown statuses are rejected.
func CanTransitionStatus(from, to MessageStatus) bool {
	return transitions[from][to]
}

// CanRescheduleStatus covers the moves only the queue drain performs and
// which are not provider outcomes: scheduling a retry after a failed
// attempt, recovering an abandoned lease, and applying the suppression gate.
func CanRescheduleStatus(from, to MessageStatus) bool {
	switch to {
	case StatusRetry:
		return from == StatusSending
	case StatusSuppressed:
		return from == StatusQueued || from == StatusRetry
	default:
		return false
	}
}

// MessageCategory separates marketing sends (which carry List-Unsubscribe)
// from transactional ones.
type MessageCategory string

const (
	CategoryTransactional MessageCategory = "transactional"
	CategoryMarketing     MessageCategory = "marketing"
)

// Message is one outbound item in the delivery queue.
type Message struct {
	ID                string            `json:"message_id" db:"message_id"`
	To                string            `json:"to" db:"to_email"`
	From              string            `json:"from" db:"from_email"`
	FromName          string            `json:"from_name,omitempty" db:"from_name"`
	ReplyTo           string            `json:"reply_to,omitempty" db:"reply_to"`
	Subject           string            `json:"subject" db:"subject"`
	HTML              string            `json:"html,omitempty" db:"html"`
	Text              string            `json:"text,omitempty" db:"text"`
	Headers           map[string]string `json:"headers,omitempty" db:"headers"`
	TemplateID        string            `json:"template_id,omitempty" db:"template_id"`
	Category          MessageCategory   `json:"category" db:"category"`
	Provider          ESPType           `json:"provider" db:"provider"`
	Status            MessageStatus     `json:"status" db:"status"`
	RetryCount        int               `json:"retry_count" db:"retry_count"`
	MaxRetries        int               `json:"max_retries" db:"max_retries"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	NextAttemptAt     *time.Time        `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	BulkJobID         string            `json:"bulk_job_id,omitempty" db:"bulk_job_id"`
	TenantID          string            `json:"tenant_id,omitempty" db:"tenant_id"`
	FailureReason     string            `json:"failure_reason,omitempty" db:"failure_reason"`
	ProviderMessageID string            `json:"provider_message_id,omitempty" db:"provider_message_id"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty" db:"idempotency_key"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LeaseExpiresAt    *time.Time        `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	LeaseToken        string            `json:"-" db:"lease_token"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// RecipientDomain returns the lower-cased domain part of the recipient.
func (m *Message) RecipientDomain() string {
	return EmailDomain(m.To)
}

// StatusUpdate is a conditional status write: it applies only while the
// stored status still equals From. Nil pointer fields are left unchanged.
type StatusUpdate struct {
	From              MessageStatus
	To                MessageStatus
	RetryCount        *int
	NextAttemptAt     *time.Time
	LastAttemptAt     *time.Time
	LeaseExpiresAt    *time.Time
	FailureReason     *string
	ProviderMessageID *string
}
