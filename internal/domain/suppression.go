package domain

import "time"

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceProviderWebhook SuppressionSource = "provider_webhook"
	SourceProviderError   SuppressionSource = "provider_error"
	SourceListUnsubscribe SuppressionSource = "list_unsubscribe"
	SourceManual          SuppressionSource = "manual"
)

// Suppression represents a single entry in the suppression list.
type Suppression struct {
	Email     string            `json:"email" db:"email"`
	MD5Hash   string            `json:"md5_hash" db:"md5_hash"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	Source    SuppressionSource `json:"source" db:"source"`
	MessageID string            `json:"message_id,omitempty" db:"message_id"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
