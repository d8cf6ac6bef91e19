package postgres

import (
	"context"
	"database/sql"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/template"
)

func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	tpl := &domain.Template{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subject, html, text FROM email_templates WHERE id = $1`, id,
	).Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.HTML, &tpl.Text)
	if err == sql.ErrNoRows {
		return nil, template.ErrTemplateNotFound
	}
	if err != nil {
		return nil, wrap("get template", err)
	}
	return tpl, nil
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(ctx context.Context, tpl *domain.Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_templates (id, name, subject, html, text)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, subject = EXCLUDED.subject,
			html = EXCLUDED.html, text = EXCLUDED.text, updated_at = NOW()
	`, tpl.ID, tpl.Name, tpl.Subject, tpl.HTML, tpl.Text)
	return wrap("put template", err)
}
