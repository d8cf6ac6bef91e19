package delivery

import (
	"context"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/suppression"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// ClaimOptions parameterizes a queue claim.
type ClaimOptions struct {
	// Token identifies the claiming drain; it is written as the lease token.
	Token string
	// Now is the claim instant; rows with next_attempt_at or scheduled_at
	// after it are not eligible.
	Now time.Time
	// Lease is how long the claim is exclusive.
	Lease time.Duration
	// StaleSending is how long a row may sit in sending before it is
	// reclaimed as abandoned.
	StaleSending time.Duration
}

// Store is the durable state the engine depends on. Implementations must
// make ClaimPendingMessages atomic against concurrent claimers and must make
// UpdateMessageStatus a compare-and-set on the current status.
type Store interface {
	suppression.Repository
	template.Repository
	// PutTemplate inserts or replaces a stored template.
	PutTemplate(ctx context.Context, tpl *domain.Template) error

	// ReserveIdempotency inserts key with requestHash if absent. When the key
	// already exists the existing record is returned with reserved=false.
	ReserveIdempotency(ctx context.Context, key, requestHash string, now time.Time) (rec *domain.IdempotencyRecord, reserved bool, err error)
	// FinalizeIdempotency links a reserved key to its result.
	FinalizeIdempotency(ctx context.Context, key, messageID, bulkJobID string, now time.Time) error
	// ClearPendingIdempotency deletes a reservation that was never finalized.
	ClearPendingIdempotency(ctx context.Context, key string) error

	SaveMessage(ctx context.Context, m *domain.Message) error
	// UpdateMessageStatus applies upd only if the stored status equals
	// upd.From. applied is false when the row moved on in the meantime.
	UpdateMessageStatus(ctx context.Context, id string, upd domain.StatusUpdate, now time.Time) (applied bool, err error)
	// GetMessage returns ErrNotFound when the id is unknown.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// GetMessageByProviderID returns ErrNotFound when no message carries the
	// provider's id.
	GetMessageByProviderID(ctx context.Context, provider domain.ESPType, providerMessageID string) (*domain.Message, error)
	// ClaimPendingMessages leases up to limit eligible messages: queued or
	// retry rows that are due and unleased, plus sending rows older than
	// opts.StaleSending.
	ClaimPendingMessages(ctx context.Context, limit int, opts ClaimOptions) ([]*domain.Message, error)
	// ReleaseMessageClaim clears the lease if token still owns it.
	ReleaseMessageClaim(ctx context.Context, id, token string) error

	CreateBulkJob(ctx context.Context, job *domain.BulkJob) error
	UpdateBulkJob(ctx context.Context, job *domain.BulkJob) error
	// GetBulkJob returns ErrNotFound when the id is unknown.
	GetBulkJob(ctx context.Context, id string) (*domain.BulkJob, error)

	AddEvent(ctx context.Context, ev *domain.EmailEvent) error
	// IncrementMetric adds delta to a per-day counter. day is YYYY-MM-DD (UTC).
	IncrementMetric(ctx context.Context, name, day string, delta int64) error
	GetMetricCount(ctx context.Context, name, day string) (int64, error)

	InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	CountOpenDeadLetters(ctx context.Context) (int, error)

	// SaveProviderEvent claims key for an event and reports false when the
	// key already exists.
	SaveProviderEvent(ctx context.Context, key string, ev *domain.ProviderEvent, now time.Time) (bool, error)
	// DeleteProviderEvent releases a claim whose event could not be applied.
	DeleteProviderEvent(ctx context.Context, key string) error
	// CleanupExpiredProviderEvents deletes dedup records older than ttl.
	CleanupExpiredProviderEvents(ctx context.Context, ttl time.Duration, now time.Time) (int64, error)

	LogServiceHealth(ctx context.Context, component, event string, details map[string]interface{}) error
}
