package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

func (s *Store) AddEvent(ctx context.Context, ev *domain.EmailEvent) error {
	details, err := jsonText(ev.Details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_events (message_id, bulk_job_id, event_type, provider, details, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, ev.MessageID, ev.BulkJobID, string(ev.Type), string(ev.Provider), details, ev.CreatedAt.UTC())
	return wrap("add event", err)
}

func (s *Store) IncrementMetric(ctx context.Context, name, day string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_daily_metrics (metric, day, count)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (metric, day) DO UPDATE SET count = email_daily_metrics.count + EXCLUDED.count
	`, name, day, delta)
	return wrap("increment metric", err)
}

func (s *Store) GetMetricCount(ctx context.Context, name, day string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM email_daily_metrics WHERE metric = $1 AND day = $2::date`, name, day,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("get metric", err)
	}
	return n, nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_dead_letters (
			message_id, bulk_job_id, provider, reason, last_error,
			status_code, provider_code, attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, dl.MessageID, dl.BulkJobID, string(dl.Provider), dl.Reason, dl.LastError,
		dl.StatusCode, dl.ProviderCode, dl.Attempts, dl.CreatedAt.UTC())
	return wrap("insert dead letter", err)
}

func (s *Store) CountOpenDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_dead_letters WHERE resolved_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, wrap("count dead letters", err)
	}
	return n, nil
}

func (s *Store) SaveProviderEvent(ctx context.Context, key string, ev *domain.ProviderEvent, now time.Time) (bool, error) {
	payload, err := jsonText(ev)
	if err != nil {
		return false, fmt.Errorf("encode provider event: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_provider_events (event_key, provider, event_type, message_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (event_key) DO NOTHING
	`, key, string(ev.Provider), string(ev.Type), ev.MessageID, payload, now.UTC())
	if err != nil {
		return false, wrap("save provider event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("save provider event", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteProviderEvent(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM email_provider_events WHERE event_key = $1`, key); err != nil {
		return wrap("delete provider event", err)
	}
	return nil
}

func (s *Store) CleanupExpiredProviderEvents(ctx context.Context, ttl time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_provider_events WHERE created_at < $1`, now.Add(-ttl).UTC())
	if err != nil {
		return 0, wrap("cleanup provider events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) LogServiceHealth(ctx context.Context, component, event string, details map[string]interface{}) error {
	payload, err := jsonText(details)
	if err != nil {
		return fmt.Errorf("encode health details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_health_log (component, event, details)
		VALUES ($1, $2, $3::jsonb)
	`, component, event, payload)
	return wrap("log service health", err)
}
