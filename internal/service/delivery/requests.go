package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/delivery-engine/internal/domain"
)

var validate = validator.New()

// EnqueueRequest is a single-message send request.
type EnqueueRequest struct {
	To             string                 `json:"to" validate:"required,email,max=320"`
	From           string                 `json:"from" validate:"required,email,max=320"`
	FromName       string                 `json:"from_name,omitempty" validate:"max=256"`
	ReplyTo        string                 `json:"reply_to,omitempty" validate:"omitempty,email,max=320"`
	Subject        string                 `json:"subject,omitempty"`
	HTML           string                 `json:"html,omitempty"`
	Text           string                 `json:"text,omitempty"`
	TemplateID     string                 `json:"template_id,omitempty" validate:"max=128"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Provider       domain.ESPType         `json:"provider,omitempty" validate:"omitempty,oneof=sendgrid mailgun ses sparkpost"`
	Category       domain.MessageCategory `json:"category,omitempty" validate:"omitempty,oneof=transactional marketing"`
	TenantID       string                 `json:"tenant_id,omitempty" validate:"max=128"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	MaxRetries     *int                   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" validate:"max=255"`

	bulkJobID string
}

// EnqueueResult is returned as soon as the message is durably queued.
type EnqueueResult struct {
	MessageID string               `json:"message_id"`
	Status    domain.MessageStatus `json:"status"`
	Deduped   bool                 `json:"deduped"`
}

// BulkRecipient is one recipient of a bulk send with its own variables.
type BulkRecipient struct {
	To        string                 `json:"to"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
}

// BulkEnqueueRequest sends the same content to many recipients.
type BulkEnqueueRequest struct {
	Recipients     []BulkRecipient        `json:"recipients" validate:"required,min=1"`
	From           string                 `json:"from" validate:"required,email,max=320"`
	FromName       string                 `json:"from_name,omitempty" validate:"max=256"`
	ReplyTo        string                 `json:"reply_to,omitempty" validate:"omitempty,email,max=320"`
	Subject        string                 `json:"subject,omitempty"`
	HTML           string                 `json:"html,omitempty"`
	Text           string                 `json:"text,omitempty"`
	TemplateID     string                 `json:"template_id,omitempty" validate:"max=128"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Provider       domain.ESPType         `json:"provider,omitempty" validate:"omitempty,oneof=sendgrid mailgun ses sparkpost"`
	Category       domain.MessageCategory `json:"category,omitempty" validate:"omitempty,oneof=transactional marketing"`
	TenantID       string                 `json:"tenant_id,omitempty" validate:"max=128"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	MaxRetries     *int                   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" validate:"max=255"`
}

// BulkEnqueueResult summarizes the per-recipient outcomes of a bulk send.
type BulkEnqueueResult struct {
	JobID      string               `json:"job_id"`
	Total      int                  `json:"total"`
	Queued     int                  `json:"queued"`
	Suppressed int                  `json:"suppressed"`
	Failed     int                  `json:"failed"`
	Duplicates int                  `json:"duplicates,omitempty"`
	Status     domain.BulkJobStatus `json:"status"`
	Deduped    bool                 `json:"deduped"`
}

// validationFromTags converts validator output into a ValidationError
// naming the first offending field.
func validationFromTags(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalid("", err.Error())
	}
	fe := verrs[0]
	field := jsonFieldName(fe.Field())
	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "email":
		return invalid(field, "is not a valid email address")
	case "oneof":
		return invalid(field, fmt.Sprintf("must be one of [%s]", fe.Param()))
	case "max":
		return invalid(field, fmt.Sprintf("exceeds maximum %s", fe.Param()))
	case "min":
		return invalid(field, fmt.Sprintf("is below minimum %s", fe.Param()))
	default:
		return invalid(field, fmt.Sprintf("failed %s", fe.Tag()))
	}
}

// jsonFieldName maps a Go field name onto its snake_case JSON name.
func jsonFieldName(goName string) string {
	var b strings.Builder
	for i, r := range goName {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(goName[i-1] >= 'A' && goName[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// requestHash fingerprints everything that affects the outgoing message.
// The idempotency key itself is excluded.
func requestHash(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable variables cannot match any prior request.
		data = []byte(fmt.Sprintf("%p", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fingerprint is the hashed view of an EnqueueRequest.
func (r *EnqueueRequest) fingerprint() string {
	cp := *r
	cp.IdempotencyKey = ""
	cp.To = domain.NormalizeEmail(cp.To)
	return requestHash(struct {
		EnqueueRequest
		BulkJobID string `json:"bulk_job_id,omitempty"`
	}{cp, r.bulkJobID})
}

// fingerprint is the hashed view of a BulkEnqueueRequest.
func (r *BulkEnqueueRequest) fingerprint() string {
	cp := *r
	cp.IdempotencyKey = ""
	return requestHash(cp)
}

// recipientKey derives a per-recipient idempotency key from the job key.
func recipientKey(jobKey, email string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeEmail(email)))
	return jobKey + ":" + hex.EncodeToString(sum[:])[:16]
}
