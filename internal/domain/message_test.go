package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionStatus_AllowedEdges(t *testing.T) {
	allowed := map[MessageStatus][]MessageStatus{
		StatusQueued:    {StatusSending, StatusSent, StatusFailed, StatusDelivered, StatusBounced, StatusComplained},
		StatusRetry:     {StatusSending, StatusSent, StatusFailed, StatusDelivered, StatusBounced, StatusComplained},
		StatusSending:   {StatusSent, StatusFailed, StatusDelivered, StatusBounced, StatusComplained},
		StatusSent:      {StatusDelivered, StatusBounced, StatusComplained, StatusFailed},
		StatusDelivered: {StatusComplained},
	}

	for _, from := range AllStatuses {
		want := map[MessageStatus]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range AllStatuses {
			assert.Equal(t, want[to], CanTransitionStatus(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransitionStatus_TerminalStates(t *testing.T) {
	for _, s := range []MessageStatus{StatusBounced, StatusComplained, StatusFailed, StatusSuppressed} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	assert.False(t, StatusDelivered.Terminal())
	assert.False(t, CanTransitionStatus("bogus", StatusSent))
}

func TestPendingStatuses(t *testing.T) {
	assert.True(t, StatusQueued.Pending())
	assert.True(t, StatusRetry.Pending())
	assert.False(t, StatusSending.Pending())
	assert.False(t, StatusSent.Pending())
}

func TestCanRescheduleStatus(t *testing.T) {
	assert.True(t, CanRescheduleStatus(StatusSending, StatusRetry))
	assert.True(t, CanRescheduleStatus(StatusQueued, StatusSuppressed))
	assert.True(t, CanRescheduleStatus(StatusRetry, StatusSuppressed))
	assert.False(t, CanRescheduleStatus(StatusSent, StatusRetry))
	assert.False(t, CanRescheduleStatus(StatusSending, StatusSuppressed))
	assert.False(t, CanRescheduleStatus(StatusQueued, StatusSent))
}

func TestBulkCounters_MoveFloorsAtZero(t *testing.T) {
	var c BulkCounters
	c.Move("", StatusQueued)
	c.Move("", StatusQueued)
	c.Move(StatusQueued, StatusSending)
	c.Move(StatusSending, StatusSent)
	c.Move(StatusSent, StatusDelivered)
	c.Move(StatusBounced, StatusFailed) // nothing in bounced yet

	assert.Equal(t, 1, c.Queued)
	assert.Equal(t, 0, c.Sending)
	assert.Equal(t, 0, c.Sent)
	assert.Equal(t, 1, c.Delivered)
	assert.Equal(t, 0, c.Bounced)
	assert.Equal(t, 1, c.Failed)
}

func TestBulkJob_Recompute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &BulkJob{Total: 2, Status: BulkQueued}
	job.Counters.Move("", StatusQueued)
	job.Counters.Move("", StatusSuppressed)
	job.Recompute(now)
	assert.Equal(t, BulkQueued, job.Status)

	job.Counters.Move(StatusQueued, StatusSending)
	job.Recompute(now)
	assert.Equal(t, BulkSending, job.Status)

	job.Counters.Move(StatusSending, StatusSent)
	job.Recompute(now)
	assert.Equal(t, BulkSending, job.Status)
	assert.Nil(t, job.CompletedAt)

	job.Counters.Move(StatusSent, StatusDelivered)
	job.Recompute(now)
	assert.Equal(t, BulkCompleted, job.Status)
	assert.Equal(t, now, *job.CompletedAt)
	assert.Equal(t, job.Total, job.Counters.Sum())
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "example.com", EmailDomain("User@Example.COM"))
	assert.Equal(t, "", EmailDomain("nodomain"))
	assert.Equal(t, "", EmailDomain("user@"))
	assert.Equal(t, "a@b.io", NormalizeEmail("  A@B.io "))
}

func TestESPType_Valid(t *testing.T) {
	for _, p := range []ESPType{ESPSendGrid, ESPMailgun, ESPSES, ESPSparkPost} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, ESPType("postmark").Valid())
	assert.False(t, ESPType("").Valid())
}
