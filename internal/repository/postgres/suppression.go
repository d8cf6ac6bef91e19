package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/suppression"
)

func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_suppressions WHERE email = $1)`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, wrap("check suppression", err)
	}
	return exists, nil
}

// Suppress keeps the first record for an address; created reports whether
// this call inserted it.
func (s *Store) Suppress(ctx context.Context, entry *domain.Suppression) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_suppressions (email, md5_hash, reason, source, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
	`, entry.Email, entry.MD5Hash, string(entry.Reason), string(entry.Source), entry.MessageID, entry.CreatedAt.UTC())
	if err != nil {
		return false, wrap("suppress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("suppress", err)
	}
	return n == 1, nil
}

func (s *Store) GetSuppression(ctx context.Context, email string) (*domain.Suppression, error) {
	entry, err := scanSuppression(s.db.QueryRowContext(ctx, `
		SELECT email, md5_hash, reason, source, message_id, created_at
		FROM email_suppressions
		WHERE email = $1
	`, email))
	if err == sql.ErrNoRows {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get suppression", err)
	}
	return entry, nil
}

func (s *Store) Remove(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM email_suppressions WHERE email = $1`, email)
	if err != nil {
		return wrap("remove suppression", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (s *Store) ListSuppressions(ctx context.Context, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	where := " WHERE 1=1"
	var args []interface{}
	idx := 1
	if f.Reason != "" {
		where += fmt.Sprintf(" AND reason = $%d", idx)
		args = append(args, f.Reason)
		idx++
	}
	if f.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, f.Source)
		idx++
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_suppressions`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, wrap("count suppressions", err)
	}

	var limit interface{}
	if f.Limit > 0 {
		limit = f.Limit
	}
	q := `SELECT email, md5_hash, reason, source, message_id, created_at FROM email_suppressions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, email LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, wrap("list suppressions", err)
	}
	defer rows.Close()

	var out []domain.Suppression
	for rows.Next() {
		entry, err := scanSuppression(rows)
		if err != nil {
			return nil, 0, wrap("scan suppression", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("list suppressions", err)
	}
	return out, total, nil
}

func scanSuppression(row scanner) (*domain.Suppression, error) {
	entry := &domain.Suppression{}
	if err := row.Scan(&entry.Email, &entry.MD5Hash, &entry.Reason, &entry.Source, &entry.MessageID, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}
