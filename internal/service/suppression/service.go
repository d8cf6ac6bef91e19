package suppression

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// IsSuppressed checks whether an email address should be blocked from sending.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, ErrEmptyAddress
	}
	return s.repo.IsSuppressed(ctx, email)
}

// Suppress adds an email to the suppression list. Idempotent: if the email
// is already suppressed the existing record is kept and created is false.
func (s *Service) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, messageID string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, ErrEmptyAddress
	}

	hash := md5.Sum([]byte(email))
	entry := &domain.Suppression{
		Email:     email,
		MD5Hash:   hex.EncodeToString(hash[:]),
		Reason:    reason,
		Source:    source,
		MessageID: messageID,
		CreatedAt: s.now().UTC(),
	}
	return s.repo.Suppress(ctx, entry)
}

// Get returns the suppression entry for an email.
func (s *Service) Get(ctx context.Context, email string) (*domain.Suppression, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, ErrEmptyAddress
	}
	return s.repo.GetSuppression(ctx, email)
}

// Remove deletes a suppression entry. This is the operator action that
// clears a suppression.
func (s *Service) Remove(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmptyAddress
	}
	return s.repo.Remove(ctx, email)
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Suppression, int, error) {
	return s.repo.ListSuppressions(ctx, filter)
}

// Stats returns aggregate counts grouped by reason and source.
type Stats struct {
	Total       int            `json:"total"`
	ByReason    map[string]int `json:"by_reason"`
	BySource    map[string]int `json:"by_source"`
	Last24Hours int            `json:"last_24_hours"`
}

// GetStats computes suppression statistics.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	entries, total, err := s.repo.ListSuppressions(ctx, ListFilter{Limit: 0})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-24 * time.Hour)
	stats := &Stats{
		Total:    total,
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.BySource[string(e.Source)]++
		if e.CreatedAt.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}
