package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/service/suppression"
	"github.com/ignite/delivery-engine/internal/service/template"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

var messageCols = []string{
	"message_id", "to_email", "from_email", "from_name", "reply_to", "subject", "html", "text",
	"headers", "template_id", "category", "provider", "status", "retry_count", "max_retries",
	"scheduled_at", "next_attempt_at", "bulk_job_id", "tenant_id", "failure_reason",
	"provider_message_id", "idempotency_key", "last_attempt_at", "lease_expires_at",
	"lease_token", "created_at", "updated_at",
}

func addMessage(rows *sqlmock.Rows, id string, next interface{}, created time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "user@example.com", "news@example.com", "", "", "Hi", "<p>x</p>", "",
		`{"X-Campaign":"spring"}`, "", "transactional", "sendgrid", "queued", 0, 3,
		nil, next, "", "", "",
		"", "", nil, now.Add(time.Minute),
		"tok", created, created,
	)
}

func TestWrap_MapsInternalErrorsToCorruption(t *testing.T) {
	err := wrap("save", &pq.Error{Code: "XX001", Message: "invalid page in block"})
	assert.ErrorIs(t, err, delivery.ErrStoreCorrupted)

	err = wrap("save", &pq.Error{Code: "23505", Message: "duplicate key"})
	assert.NotErrorIs(t, err, delivery.ErrStoreCorrupted)
	assert.Nil(t, wrap("save", nil))
}

func TestReserveIdempotency(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO email_idempotency_keys").
		WithArgs("k1", "h1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rec, reserved, err := s.ReserveIdempotency(ctx, "k1", "h1", now)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "h1", rec.RequestHash)

	mock.ExpectExec("INSERT INTO email_idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT idempotency_key, request_hash").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "request_hash", "message_id", "bulk_job_id", "created_at", "finalized_at"}).
			AddRow("k1", "h1", "msg-1", "", now, now))
	rec, reserved, err = s.ReserveIdempotency(ctx, "k1", "h1", now)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.True(t, rec.Finalized())
	assert.Equal(t, "msg-1", rec.MessageID)
}

func TestFinalizeIdempotency_UnknownKey(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE email_idempotency_keys").
		WithArgs("gone", "msg-1", "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.FinalizeIdempotency(context.Background(), "gone", "msg-1", "", now)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestSaveMessage_EncodesHeaders(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectExec("INSERT INTO email_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.SaveMessage(context.Background(), &domain.Message{
		ID: "msg-1", To: "user@example.com", From: "news@example.com", Subject: "Hi",
		Headers: map[string]string{"X-Campaign": "spring"}, Category: domain.CategoryTransactional,
		Provider: domain.ESPSendGrid, Status: domain.StatusQueued, MaxRetries: 3,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestUpdateMessageStatus(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()
	retries := 2
	reason := "timeout"

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE email_messages SET status = $1, updated_at = $2, retry_count = $3, failure_reason = $4 WHERE message_id = $5 AND status = $6")).
		WithArgs("retry", now, 2, "timeout", "msg-1", "sending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	applied, err := s.UpdateMessageStatus(ctx, "msg-1", domain.StatusUpdate{
		From: domain.StatusSending, To: domain.StatusRetry, RetryCount: &retries, FailureReason: &reason,
	}, now)
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("status moved on", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_messages SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("msg-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		applied, err := s.UpdateMessageStatus(ctx, "msg-1", domain.StatusUpdate{From: domain.StatusSent, To: domain.StatusDelivered}, now)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("unknown message", func(t *testing.T) {
		mock.ExpectExec("UPDATE email_messages SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		_, err := s.UpdateMessageStatus(ctx, "nope", domain.StatusUpdate{From: domain.StatusSent, To: domain.StatusDelivered}, now)
		assert.ErrorIs(t, err, delivery.ErrNotFound)
	})
}

func TestGetMessage(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT message_id, to_email").
		WithArgs("msg-1").
		WillReturnRows(addMessage(sqlmock.NewRows(messageCols), "msg-1", nil, now))
	m, err := s.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, m.Status)
	assert.Equal(t, domain.ESPSendGrid, m.Provider)
	assert.Equal(t, "spring", m.Headers["X-Campaign"])
	assert.Nil(t, m.ScheduledAt)
	require.NotNil(t, m.LeaseExpiresAt)
	assert.Equal(t, now.Add(time.Minute), *m.LeaseExpiresAt)

	mock.ExpectQuery("SELECT message_id, to_email").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)

	_, err = s.GetMessageByProviderID(ctx, domain.ESPSendGrid, "")
	assert.ErrorIs(t, err, delivery.ErrNotFound, "empty provider ids never match")
}

func TestClaimPendingMessages(t *testing.T) {
	s, mock := setupTestDB(t)
	opts := delivery.ClaimOptions{Token: "tok", Now: now, Lease: time.Minute, StaleSending: 2 * time.Minute}

	rows := sqlmock.NewRows(messageCols)
	addMessage(rows, "msg-b", now.Add(-time.Second), now.Add(-time.Hour))
	addMessage(rows, "msg-a", nil, now.Add(-time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now, now.Add(-2*time.Minute), 10, "tok", now.Add(time.Minute)).
		WillReturnRows(rows)

	claimed, err := s.ClaimPendingMessages(context.Background(), 10, opts)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "msg-a", claimed[0].ID, "ordered by due time")
	assert.Equal(t, "msg-b", claimed[1].ID)
}

func TestClaimPendingMessages_Corruption(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectQuery("WITH claimed AS").
		WillReturnError(&pq.Error{Code: "XX002", Message: "index corrupted"})
	_, err := s.ClaimPendingMessages(context.Background(), 10, delivery.ClaimOptions{Now: now})
	assert.ErrorIs(t, err, delivery.ErrStoreCorrupted)
}

func TestBulkJob_UpdateUnknown(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE email_bulk_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.UpdateBulkJob(context.Background(), &domain.BulkJob{ID: "job-x", UpdatedAt: now})
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestGetBulkJob(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT job_id, total").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "total", "queued", "sending", "sent", "delivered", "failed", "bounced",
			"complained", "suppressed", "status", "idempotency_key", "created_at", "updated_at", "completed_at",
		}).AddRow("job-1", 3, 0, 0, 0, 2, 0, 0, 0, 1, "completed", "", now, now, now))

	job, err := s.GetBulkJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BulkCompleted, job.Status)
	assert.Equal(t, 2, job.Counters.Delivered)
	assert.Equal(t, 3, job.Counters.Sum())
	require.NotNil(t, job.CompletedAt)
}

func TestMetrics(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (metric, day) DO UPDATE")).
		WithArgs("sent", "2026-03-10", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.IncrementMetric(ctx, "sent", "2026-03-10", 1))

	mock.ExpectQuery("SELECT count FROM email_daily_metrics").
		WithArgs("sent", "2026-03-11").
		WillReturnError(sql.ErrNoRows)
	n, err := s.GetMetricCount(ctx, "sent", "2026-03-11")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveProviderEvent(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()
	ev := &domain.ProviderEvent{Provider: domain.ESPSendGrid, Type: domain.ProviderDelivered, MessageID: "msg-1"}

	mock.ExpectExec("INSERT INTO email_provider_events").
		WithArgs("sendgrid:e1", "sendgrid", "delivered", "msg-1", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	fresh, err := s.SaveProviderEvent(ctx, "sendgrid:e1", ev, now)
	require.NoError(t, err)
	assert.True(t, fresh)

	mock.ExpectExec("INSERT INTO email_provider_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	fresh, err = s.SaveProviderEvent(ctx, "sendgrid:e1", ev, now)
	require.NoError(t, err)
	assert.False(t, fresh)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM email_provider_events WHERE event_key = $1")).
		WithArgs("sendgrid:e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteProviderEvent(ctx, "sendgrid:e1"))

	mock.ExpectExec("DELETE FROM email_provider_events").
		WithArgs(now.Add(-7 * 24 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.CleanupExpiredProviderEvents(ctx, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestSuppress(t *testing.T) {
	s, mock := setupTestDB(t)
	ctx := context.Background()
	entry := &domain.Suppression{Email: "a@example.com", MD5Hash: "h", Reason: domain.ReasonHardBounce, Source: domain.SourceProviderWebhook, CreatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (email) DO NOTHING")).
		WithArgs("a@example.com", "h", "hard_bounce", "provider_webhook", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := s.Suppress(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec("INSERT INTO email_suppressions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = s.Suppress(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created, "first record wins")

	mock.ExpectQuery("SELECT email, md5_hash").
		WithArgs("b@example.com").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetSuppression(ctx, "b@example.com")
	assert.ErrorIs(t, err, suppression.ErrNotFound)

	mock.ExpectExec("DELETE FROM email_suppressions").
		WithArgs("b@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Remove(ctx, "b@example.com"), suppression.ErrNotFound)
}

func TestListSuppressions_Filters(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM email_suppressions WHERE 1=1 AND reason = $1")).
		WithArgs("complaint").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, email LIMIT $2 OFFSET $3")).
		WithArgs("complaint", 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"email", "md5_hash", "reason", "source", "message_id", "created_at"}).
			AddRow("b@example.com", "h2", "complaint", "provider_webhook", "msg-2", now).
			AddRow("c@example.com", "h3", "complaint", "provider_webhook", "", now.Add(-time.Hour)))

	out, total, err := s.ListSuppressions(context.Background(), suppression.ListFilter{Reason: "complaint", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, out, 2)
	assert.Equal(t, domain.ReasonComplaint, out[0].Reason)
}

func TestGetTemplate_NotFound(t *testing.T) {
	s, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT id, name, subject").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err := s.GetTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, template.ErrTemplateNotFound)
}
