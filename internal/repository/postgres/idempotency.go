package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// ReserveIdempotency inserts the key if absent. A concurrent clear can
// remove the conflicting row between the insert and the read, so the pair
// is retried once.
func (s *Store) ReserveIdempotency(ctx context.Context, key, requestHash string, now time.Time) (*domain.IdempotencyRecord, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO email_idempotency_keys (idempotency_key, request_hash, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, key, requestHash, now.UTC())
		if err != nil {
			return nil, false, wrap("reserve idempotency key", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &domain.IdempotencyRecord{Key: key, RequestHash: requestHash, CreatedAt: now.UTC()}, true, nil
		}

		rec, err := s.getIdempotency(ctx, key)
		if err == delivery.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return rec, false, nil
	}
	return nil, false, fmt.Errorf("reserve idempotency key %q: lost race twice", key)
}

func (s *Store) getIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{}
	var finalized sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, request_hash, message_id, bulk_job_id, created_at, finalized_at
		FROM email_idempotency_keys
		WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.RequestHash, &rec.MessageID, &rec.BulkJobID, &rec.CreatedAt, &finalized)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get idempotency key", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.FinalizedAt = timeFrom(finalized)
	return rec, nil
}

func (s *Store) FinalizeIdempotency(ctx context.Context, key, messageID, bulkJobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_idempotency_keys
		SET message_id = $2, bulk_job_id = $3, finalized_at = $4
		WHERE idempotency_key = $1
	`, key, messageID, bulkJobID, now.UTC())
	if err != nil {
		return wrap("finalize idempotency key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

func (s *Store) ClearPendingIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM email_idempotency_keys WHERE idempotency_key = $1 AND finalized_at IS NULL`, key)
	return wrap("clear idempotency key", err)
}
