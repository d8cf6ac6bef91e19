package suppression

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string]*domain.Suppression
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*domain.Suppression)}
}

func (m *mockRepo) IsSuppressed(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.store[email]
	return ok, nil
}

func (m *mockRepo) Suppress(_ context.Context, s *domain.Suppression) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.store[s.Email]; exists {
		return false, nil
	}
	m.store[s.Email] = s
	return true, nil
}

func (m *mockRepo) GetSuppression(_ context.Context, email string) (*domain.Suppression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store[email]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *mockRepo) Remove(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[email]; !ok {
		return ErrNotFound
	}
	delete(m.store, email)
	return nil
}

func (m *mockRepo) ListSuppressions(_ context.Context, f ListFilter) ([]domain.Suppression, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.Suppression
	for _, s := range m.store {
		if f.Reason != "" && string(s.Reason) != f.Reason {
			continue
		}
		if f.Source != "" && string(s.Source) != f.Source {
			continue
		}
		result = append(result, *s)
	}
	return result, len(result), nil
}

func TestSuppress_AddsNormalizedEmail(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	created, err := svc.Suppress(ctx, "  BOUNCE@Example.com ", domain.ReasonHardBounce, domain.SourceProviderWebhook, "msg-1")
	if err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new entry")
	}

	ok, err := svc.IsSuppressed(ctx, "bounce@example.com")
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if !ok {
		t.Error("expected email to be suppressed after Suppress()")
	}

	entry, err := svc.Get(ctx, "Bounce@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entry.MD5Hash) != 32 {
		t.Errorf("unexpected md5 hash %q", entry.MD5Hash)
	}
	if entry.MessageID != "msg-1" {
		t.Errorf("expected message id to be recorded, got %q", entry.MessageID)
	}
}

func TestSuppress_Idempotent(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		created, err := svc.Suppress(ctx, "dup@example.com", domain.ReasonComplaint, domain.SourceProviderWebhook, "")
		if err != nil {
			t.Fatalf("Suppress #%d: %v", i, err)
		}
		if created != (i == 0) {
			t.Errorf("Suppress #%d: created=%v", i, created)
		}
	}

	_, total, _ := svc.List(ctx, ListFilter{})
	if total != 1 {
		t.Errorf("expected 1 suppression, got %d", total)
	}
	entry, _ := svc.Get(ctx, "dup@example.com")
	if entry.Reason != domain.ReasonComplaint {
		t.Errorf("expected original reason preserved, got %s", entry.Reason)
	}
}

func TestSuppress_EmptyEmail_Fails(t *testing.T) {
	svc := NewService(newMockRepo())

	_, err := svc.Suppress(context.Background(), " ", domain.ReasonManual, domain.SourceManual, "")
	if !errors.Is(err, ErrEmptyAddress) {
		t.Errorf("expected ErrEmptyAddress, got %v", err)
	}
}

func TestRemove_DeletesSuppression(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	_, _ = svc.Suppress(ctx, "remove@example.com", domain.ReasonManual, domain.SourceManual, "")

	if err := svc.Remove(ctx, "REMOVE@example.com"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, _ := svc.IsSuppressed(ctx, "remove@example.com")
	if ok {
		t.Error("expected email to no longer be suppressed after Remove()")
	}
	if err := svc.Remove(ctx, "remove@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestGetStats_AggregatesByReasonAndSource(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = svc.Suppress(ctx, "a@example.com", domain.ReasonHardBounce, domain.SourceProviderWebhook, "")
	_, _ = svc.Suppress(ctx, "b@example.com", domain.ReasonComplaint, domain.SourceProviderWebhook, "")
	_, _ = svc.Suppress(ctx, "c@example.com", domain.ReasonUnsubscribe, domain.SourceListUnsubscribe, "")
	repo.store["c@example.com"].CreatedAt = now.Add(-48 * time.Hour)

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("expected total=3, got %d", stats.Total)
	}
	if stats.BySource["provider_webhook"] != 2 {
		t.Errorf("expected 2 provider_webhook, got %d", stats.BySource["provider_webhook"])
	}
	if stats.ByReason["unsubscribe"] != 1 {
		t.Errorf("expected 1 unsubscribe, got %d", stats.ByReason["unsubscribe"])
	}
	if stats.Last24Hours != 2 {
		t.Errorf("expected 2 in last 24h, got %d", stats.Last24Hours)
	}
}

func TestClassifyBounce(t *testing.T) {
	tests := []struct {
		reason string
		want   BounceClass
	}{
		{"550 5.1.1 The email account that you tried to reach does not exist", HardBounce},
		{"Requested action not taken: mailbox unavailable", HardBounce},
		{"User unknown in virtual mailbox table", HardBounce},
		{"Invalid recipient address", HardBounce},
		{"invalid mailbox", HardBounce},
		{"hard bounce", HardBounce},
		{"Hard_Bounce", HardBounce},
		{"421 4.7.0 Try again later", SoftBounce},
		{"Mailbox full", SoftBounce},
		{"5.1.10 null MX", SoftBounce},
		{"", SoftBounce},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := ClassifyBounce(tt.reason); got != tt.want {
				t.Errorf("ClassifyBounce(%q) = %s, want %s", tt.reason, got, tt.want)
			}
		})
	}
}
