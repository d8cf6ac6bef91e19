package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/service/suppression"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func queued(id string, created time.Time) *domain.Message {
	return &domain.Message{
		ID: id, To: "user@example.com", From: "news@example.com", Subject: "Hi",
		Provider: domain.ESPSendGrid, Status: domain.StatusQueued,
		Headers:   map[string]string{"X-Tag": "a"},
		CreatedAt: created, UpdatedAt: created,
	}
}

func TestClaimPendingMessages_LeaseAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	later := now.Add(time.Hour)

	require.NoError(t, s.SaveMessage(ctx, queued("b", now.Add(-time.Minute))))
	require.NoError(t, s.SaveMessage(ctx, queued("a", now.Add(-2*time.Minute))))
	future := queued("c", now)
	future.ScheduledAt = &later
	require.NoError(t, s.SaveMessage(ctx, future))

	opts := delivery.ClaimOptions{Token: "t1", Now: now, Lease: time.Minute, StaleSending: 2 * time.Minute}
	claimed, err := s.ClaimPendingMessages(ctx, 10, opts)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "t1", claimed[0].LeaseToken)

	again, err := s.ClaimPendingMessages(ctx, 10, delivery.ClaimOptions{Token: "t2", Now: now, Lease: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows are skipped")

	require.NoError(t, s.ReleaseMessageClaim(ctx, "a", "t2"), "foreign token is a no-op")
	require.NoError(t, s.ReleaseMessageClaim(ctx, "a", "t1"))
	again, err = s.ClaimPendingMessages(ctx, 10, delivery.ClaimOptions{Token: "t2", Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "a", again[0].ID)
}

func TestClaimPendingMessages_StaleSending(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := queued("s", now.Add(-time.Hour))
	m.Status = domain.StatusSending
	last := now.Add(-90 * time.Second)
	m.LastAttemptAt = &last
	require.NoError(t, s.SaveMessage(ctx, m))

	opts := delivery.ClaimOptions{Token: "t", Now: now, Lease: time.Minute, StaleSending: 2 * time.Minute}
	claimed, err := s.ClaimPendingMessages(ctx, 10, opts)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	opts.Now = now.Add(time.Minute)
	claimed, err = s.ClaimPendingMessages(ctx, 10, opts)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestUpdateMessageStatus_CompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, queued("m", now)))

	pid := "sg-1"
	ok, err := s.UpdateMessageStatus(ctx, "m", domain.StatusUpdate{From: domain.StatusQueued, To: domain.StatusSent, ProviderMessageID: &pid}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateMessageStatus(ctx, "m", domain.StatusUpdate{From: domain.StatusQueued, To: domain.StatusFailed}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetMessageByProviderID(ctx, domain.ESPSendGrid, "sg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)

	_, err = s.UpdateMessageStatus(ctx, "nope", domain.StatusUpdate{From: domain.StatusQueued, To: domain.StatusSent}, now)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestGetMessage_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, queued("m", now)))

	got, err := s.GetMessage(ctx, "m")
	require.NoError(t, err)
	got.Headers["X-Tag"] = "changed"

	again, err := s.GetMessage(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Headers["X-Tag"])
}

func TestIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, reserved, err := s.ReserveIdempotency(ctx, "k", "h", now)
	require.NoError(t, err)
	assert.True(t, reserved)

	rec, reserved, err := s.ReserveIdempotency(ctx, "k", "other", now)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "h", rec.RequestHash)
	assert.False(t, rec.Finalized())

	require.NoError(t, s.ClearPendingIdempotency(ctx, "k"))
	_, reserved, _ = s.ReserveIdempotency(ctx, "k", "h", now)
	assert.True(t, reserved)

	require.NoError(t, s.FinalizeIdempotency(ctx, "k", "msg-1", "", now))
	require.NoError(t, s.ClearPendingIdempotency(ctx, "k"), "finalized keys are kept")
	rec, _, _ = s.ReserveIdempotency(ctx, "k", "h", now)
	assert.True(t, rec.Finalized())
}

func TestSuppressions(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, e := range []domain.Suppression{
		{Email: "a@example.com", Reason: domain.ReasonHardBounce, Source: domain.SourceProviderWebhook, CreatedAt: now},
		{Email: "b@example.com", Reason: domain.ReasonComplaint, Source: domain.SourceProviderWebhook, CreatedAt: now.Add(time.Minute)},
		{Email: "c@example.com", Reason: domain.ReasonComplaint, Source: domain.SourceManual, CreatedAt: now.Add(2 * time.Minute)},
	} {
		entry := e
		created, err := s.Suppress(ctx, &entry)
		require.NoError(t, err, i)
		assert.True(t, created)
	}

	created, err := s.Suppress(ctx, &domain.Suppression{Email: "a@example.com", Reason: domain.ReasonManual})
	require.NoError(t, err)
	assert.False(t, created)
	entry, err := s.GetSuppression(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonHardBounce, entry.Reason, "first record wins")

	list, total, err := s.ListSuppressions(ctx, suppression.ListFilter{Reason: "complaint", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 1)
	assert.Equal(t, "c@example.com", list[0].Email, "newest first")

	require.NoError(t, s.Remove(ctx, "a@example.com"))
	assert.ErrorIs(t, s.Remove(ctx, "a@example.com"), suppression.ErrNotFound)
}

func TestProviderEventsAndMetrics(t *testing.T) {
	s := New()
	ctx := context.Background()
	ev := &domain.ProviderEvent{Provider: domain.ESPSendGrid, Type: domain.ProviderDelivered}

	fresh, err := s.SaveProviderEvent(ctx, "k1", ev, now)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, _ = s.SaveProviderEvent(ctx, "k1", ev, now)
	assert.False(t, fresh)
	_, _ = s.SaveProviderEvent(ctx, "k2", ev, now.Add(6*24*time.Hour))

	n, err := s.CleanupExpiredProviderEvents(ctx, 7*24*time.Hour, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.IncrementMetric(ctx, "sent", "2026-03-10", 2))
	require.NoError(t, s.IncrementMetric(ctx, "sent", "2026-03-10", 1))
	count, err := s.GetMetricCount(ctx, "sent", "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
