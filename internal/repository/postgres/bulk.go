package postgres

import (
	"context"
	"database/sql"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

func (s *Store) CreateBulkJob(ctx context.Context, job *domain.BulkJob) error {
	c := job.Counters
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_bulk_jobs (
			job_id, total, queued, sending, sent, delivered, failed, bounced,
			complained, suppressed, status, idempotency_key, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, job.ID, job.Total, c.Queued, c.Sending, c.Sent, c.Delivered, c.Failed, c.Bounced,
		c.Complained, c.Suppressed, string(job.Status), job.IdempotencyKey,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.CompletedAt))
	return wrap("create bulk job", err)
}

func (s *Store) UpdateBulkJob(ctx context.Context, job *domain.BulkJob) error {
	c := job.Counters
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_bulk_jobs
		SET queued = $2, sending = $3, sent = $4, delivered = $5, failed = $6,
		    bounced = $7, complained = $8, suppressed = $9, status = $10,
		    updated_at = $11, completed_at = $12
		WHERE job_id = $1
	`, job.ID, c.Queued, c.Sending, c.Sent, c.Delivered, c.Failed,
		c.Bounced, c.Complained, c.Suppressed, string(job.Status),
		job.UpdatedAt.UTC(), nullTime(job.CompletedAt))
	if err != nil {
		return wrap("update bulk job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

func (s *Store) GetBulkJob(ctx context.Context, id string) (*domain.BulkJob, error) {
	job := &domain.BulkJob{}
	c := &job.Counters
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, total, queued, sending, sent, delivered, failed, bounced,
		       complained, suppressed, status, idempotency_key, created_at, updated_at, completed_at
		FROM email_bulk_jobs
		WHERE job_id = $1
	`, id).Scan(&job.ID, &job.Total, &c.Queued, &c.Sending, &c.Sent, &c.Delivered, &c.Failed, &c.Bounced,
		&c.Complained, &c.Suppressed, &job.Status, &job.IdempotencyKey, &job.CreatedAt, &job.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get bulk job", err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.CompletedAt = timeFrom(completed)
	return job, nil
}
