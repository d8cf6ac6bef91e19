package delivery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

func newBulkRequest(recipients ...delivery.BulkRecipient) *delivery.BulkEnqueueRequest {
	return &delivery.BulkEnqueueRequest{
		Recipients: recipients,
		From:       "news@example.com",
		Subject:    "Hello {{ name }}",
		HTML:       "<p>{{ greeting }}, {{ name }}</p>",
		Variables:  map[string]interface{}{"greeting": "Welcome"},
		Category:   domain.CategoryMarketing,
	}
}

func to(email, name string) delivery.BulkRecipient {
	return delivery.BulkRecipient{To: email, Variables: map[string]interface{}{"name": name}}
}

func bulkMessages(h *harness, jobID string) map[string]*domain.Message {
	out := map[string]*domain.Message{}
	for _, m := range h.store.Messages() {
		if m.BulkJobID == jobID {
			out[m.To] = m
		}
	}
	return out
}

func TestEnqueueBulk_CountsAndCompletion(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()
	h.suppress(t, "blocked@example.com")

	res, err := h.engine.EnqueueBulk(ctx, newBulkRequest(
		to("a@example.com", "Ann"),
		to("A@Example.com", "Ann again"),
		to("not-an-address", "Nobody"),
		to("blocked@example.com", "Bo"),
		to("b@example.com", "Ben"),
	))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 1, res.Suppressed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, domain.BulkQueued, res.Status)

	msgs := bulkMessages(h, res.JobID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello Ann", msgs["a@example.com"].Subject)
	assert.Equal(t, "<p>Welcome, Ben</p>", msgs["b@example.com"].HTML)
	assert.Equal(t, domain.StatusSuppressed, msgs["blocked@example.com"].Status)

	drain := h.drain(t)
	assert.Equal(t, 2, drain.Sent)

	job, err := h.engine.GetBulkJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BulkSending, job.Status)
	assert.Equal(t, 2, job.Counters.Sent)
	assert.Nil(t, job.CompletedAt)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		out, err := h.engine.HandleProviderEvent(ctx, &domain.ProviderEvent{
			MessageID: msgs[email].ID,
			EventID:   "evt-" + email,
			Type:      domain.ProviderDelivered,
			Provider:  domain.ESPSendGrid,
		})
		require.NoError(t, err)
		assert.Equal(t, delivery.OutcomeApplied, out.Outcome)
	}

	job, err = h.engine.GetBulkJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BulkCompleted, job.Status)
	assert.Equal(t, 2, job.Counters.Delivered)
	assert.Equal(t, 1, job.Counters.Suppressed)
	assert.Equal(t, 1, job.Counters.Failed)
	assert.Equal(t, job.Total, job.Counters.Sum())
	require.NotNil(t, job.CompletedAt)
}

func TestEnqueueBulk_MissingRecipientVariablesFailOnlyThatRecipient(t *testing.T) {
	h := newHarness(t, delivery.Config{})

	res, err := h.engine.EnqueueBulk(context.Background(), newBulkRequest(
		to("a@example.com", "Ann"),
		delivery.BulkRecipient{To: "b@example.com"},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, bulkMessages(h, res.JobID), 1)
}

func TestEnqueueBulk_IdempotentReplay(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()

	req := newBulkRequest(to("a@example.com", "Ann"), to("b@example.com", "Ben"))
	req.IdempotencyKey = "campaign-42"
	first, err := h.engine.EnqueueBulk(ctx, req)
	require.NoError(t, err)

	again := newBulkRequest(to("a@example.com", "Ann"), to("b@example.com", "Ben"))
	again.IdempotencyKey = "campaign-42"
	second, err := h.engine.EnqueueBulk(ctx, again)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 2, second.Total)
	assert.Equal(t, 2, second.Queued)
	assert.Len(t, h.store.Messages(), 2)

	changed := newBulkRequest(to("a@example.com", "Ann"))
	changed.IdempotencyKey = "campaign-42"
	_, err = h.engine.EnqueueBulk(ctx, changed)
	require.ErrorIs(t, err, delivery.ErrIdempotencyConflict)

	// A single send cannot reuse the job's key either.
	single := newRequest("a@example.com")
	single.IdempotencyKey = "campaign-42"
	_, err = h.engine.Enqueue(ctx, single)
	require.ErrorIs(t, err, delivery.ErrIdempotencyConflict)
}

func TestEnqueueBulk_Validation(t *testing.T) {
	h := newHarness(t, delivery.Config{BulkMaxRecipients: 2})
	ctx := context.Background()

	tests := []struct {
		name  string
		req   *delivery.BulkEnqueueRequest
		field string
	}{
		{"no recipients", newBulkRequest(), "recipients"},
		{"over cap", newBulkRequest(to("a@example.com", "A"), to("b@example.com", "B"), to("c@example.com", "C")), "recipients"},
		{"bad from", func() *delivery.BulkEnqueueRequest {
			r := newBulkRequest(to("a@example.com", "A"))
			r.From = "nobody"
			return r
		}(), "from"},
		{"no content", func() *delivery.BulkEnqueueRequest {
			r := newBulkRequest(to("a@example.com", "A"))
			r.Subject, r.HTML = "", ""
			return r
		}(), "subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.EnqueueBulk(ctx, tt.req)
			require.ErrorIs(t, err, delivery.ErrValidation)
			var verr *delivery.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, h.store.Messages())
}

func TestEnqueueBulk_RetryCountersStayQueued(t *testing.T) {
	h := newHarness(t, delivery.Config{})
	ctx := context.Background()
	h.sender.script = []error{status(503, "busy")}

	res, err := h.engine.EnqueueBulk(ctx, newBulkRequest(to("a@example.com", "Ann")))
	require.NoError(t, err)
	h.drain(t)

	job, err := h.engine.GetBulkJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Counters.Queued)
	assert.Zero(t, job.Counters.Sending)
	assert.Equal(t, domain.BulkSending, job.Status)
}
