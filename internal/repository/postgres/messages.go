package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

const messageColumns = `message_id, to_email, from_email, from_name, reply_to, subject, html, text,
	headers::text, template_id, category, provider, status, retry_count, max_retries,
	scheduled_at, next_attempt_at, bulk_job_id, tenant_id, failure_reason,
	provider_message_id, idempotency_key, last_attempt_at, lease_expires_at,
	lease_token, created_at, updated_at`

func scanMessage(row scanner) (*domain.Message, error) {
	m := &domain.Message{}
	var headers string
	var scheduled, next, last, lease sql.NullTime
	err := row.Scan(
		&m.ID, &m.To, &m.From, &m.FromName, &m.ReplyTo, &m.Subject, &m.HTML, &m.Text,
		&headers, &m.TemplateID, &m.Category, &m.Provider, &m.Status, &m.RetryCount, &m.MaxRetries,
		&scheduled, &next, &m.BulkJobID, &m.TenantID, &m.FailureReason,
		&m.ProviderMessageID, &m.IdempotencyKey, &last, &lease,
		&m.LeaseToken, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", m.ID, err)
		}
	}
	m.ScheduledAt = timeFrom(scheduled)
	m.NextAttemptAt = timeFrom(next)
	m.LastAttemptAt = timeFrom(last)
	m.LeaseExpiresAt = timeFrom(lease)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *Store) SaveMessage(ctx context.Context, m *domain.Message) error {
	headers, err := jsonText(m.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_messages (
			message_id, to_email, from_email, from_name, reply_to, subject, html, text,
			headers, template_id, category, provider, status, retry_count, max_retries,
			scheduled_at, next_attempt_at, bulk_job_id, tenant_id, failure_reason,
			provider_message_id, idempotency_key, last_attempt_at, lease_expires_at,
			lease_token, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::jsonb, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, $24,
			$25, $26, $27
		)
	`,
		m.ID, m.To, m.From, m.FromName, m.ReplyTo, m.Subject, m.HTML, m.Text,
		headers, m.TemplateID, string(m.Category), string(m.Provider), string(m.Status), m.RetryCount, m.MaxRetries,
		nullTime(m.ScheduledAt), nullTime(m.NextAttemptAt), m.BulkJobID, m.TenantID, m.FailureReason,
		m.ProviderMessageID, m.IdempotencyKey, nullTime(m.LastAttemptAt), nullTime(m.LeaseExpiresAt),
		m.LeaseToken, m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	return wrap("save message", err)
}

// UpdateMessageStatus is a compare-and-set on status; only the non-nil
// fields of upd are written.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, upd domain.StatusUpdate, now time.Time) (bool, error) {
	sets := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{string(upd.To), now.UTC()}
	idx := 3

	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.NextAttemptAt != nil {
		add("next_attempt_at", upd.NextAttemptAt.UTC())
	}
	if upd.LastAttemptAt != nil {
		add("last_attempt_at", upd.LastAttemptAt.UTC())
	}
	if upd.LeaseExpiresAt != nil {
		add("lease_expires_at", upd.LeaseExpiresAt.UTC())
	}
	if upd.FailureReason != nil {
		add("failure_reason", *upd.FailureReason)
	}
	if upd.ProviderMessageID != nil {
		add("provider_message_id", *upd.ProviderMessageID)
	}

	q := fmt.Sprintf(`UPDATE email_messages SET %s WHERE message_id = $%d AND status = $%d`,
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, string(upd.From))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, wrap("update message status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("update message status", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_messages WHERE message_id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, wrap("check message", err)
	}
	if !exists {
		return false, delivery.ErrNotFound
	}
	return false, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE message_id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return m, nil
}

func (s *Store) GetMessageByProviderID(ctx context.Context, provider domain.ESPType, providerMessageID string) (*domain.Message, error) {
	if providerMessageID == "" {
		return nil, delivery.ErrNotFound
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM email_messages
		WHERE provider = $1 AND provider_message_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, string(provider), providerMessageID))
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get message by provider id", err)
	}
	return m, nil
}

// ClaimPendingMessages leases due rows with FOR UPDATE SKIP LOCKED so
// concurrent drains never claim the same message.
func (s *Store) ClaimPendingMessages(ctx context.Context, limit int, opts delivery.ClaimOptions) ([]*domain.Message, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	now := opts.Now.UTC()

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT message_id
			FROM email_messages
			WHERE (lease_expires_at IS NULL OR lease_expires_at <= $1)
			  AND (
			    (status IN ('queued', 'retry')
			      AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			      AND (scheduled_at IS NULL OR scheduled_at <= $1))
			    OR (status = 'sending' AND COALESCE(last_attempt_at, updated_at) <= $2)
			  )
			ORDER BY COALESCE(next_attempt_at, scheduled_at, created_at), message_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_messages m
		SET lease_token = $4,
		    lease_expires_at = $5
		FROM claimed c
		WHERE m.message_id = c.message_id
		RETURNING `+prefixColumns("m", messageColumns),
		now, now.Add(-opts.StaleSending), lim, opts.Token, now.Add(opts.Lease),
	)
	if err != nil {
		return nil, wrap("claim messages", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("scan claimed message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("claim messages", err)
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(out, func(i, j int) bool {
		a, b := dueAt(out[i]), dueAt(out[j])
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return out, nil
}

func (s *Store) ReleaseMessageClaim(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_messages
		SET lease_token = '', lease_expires_at = NULL
		WHERE message_id = $1 AND lease_token = $2
	`, id, token)
	return wrap("release claim", err)
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func dueAt(m *domain.Message) time.Time {
	switch {
	case m.NextAttemptAt != nil:
		return *m.NextAttemptAt
	case m.ScheduledAt != nil:
		return *m.ScheduledAt
	default:
		return m.CreatedAt
	}
}
