package suppression

import (
	"context"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Repository defines the data access contract for the suppression list.
// Emails are always passed normalized.
type Repository interface {
	// IsSuppressed returns true if the email is on the suppression list.
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// Suppress adds an email to the suppression list. If it already exists,
	// the existing record is preserved and created is false.
	Suppress(ctx context.Context, s *domain.Suppression) (created bool, err error)

	// GetSuppression returns ErrNotFound if the email is not suppressed.
	GetSuppression(ctx context.Context, email string) (*domain.Suppression, error)

	// Remove deletes a suppression entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, email string) error

	// ListSuppressions returns entries matching the filter and the total match count.
	ListSuppressions(ctx context.Context, filter ListFilter) ([]domain.Suppression, int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Reason string
	Source string
	Limit  int
	Offset int
}
