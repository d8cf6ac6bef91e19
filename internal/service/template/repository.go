package template

import (
	"context"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Repository loads stored templates.
type Repository interface {
	// GetTemplate returns ErrTemplateNotFound when no template has the id.
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
}
