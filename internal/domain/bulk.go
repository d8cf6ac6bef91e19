package domain

import "time"

// BulkJobStatus is the roll-up status of a multi-recipient send.
type BulkJobStatus string

const (
	BulkQueued    BulkJobStatus = "queued"
	BulkSending   BulkJobStatus = "sending"
	BulkCompleted BulkJobStatus = "completed"
)

// BulkCounters holds per-status outcome counts for a bulk job.
type BulkCounters struct {
	Queued     int `json:"queued" db:"queued"`
	Sending    int `json:"sending" db:"sending"`
	Sent       int `json:"sent" db:"sent"`
	Delivered  int `json:"delivered" db:"delivered"`
	Failed     int `json:"failed" db:"failed"`
	Bounced    int `json:"bounced" db:"bounced"`
	Complained int `json:"complained" db:"complained"`
	Suppressed int `json:"suppressed" db:"suppressed"`
}

// BulkJob aggregates the messages created from one multi-recipient request.
type BulkJob struct {
	ID             string        `json:"job_id" db:"job_id"`
	Total          int           `json:"total" db:"total"`
	Counters       BulkCounters  `json:"counters"`
	Status         BulkJobStatus `json:"status" db:"status"`
	IdempotencyKey string        `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// bucket returns the counter for a message status. retry shares the queued
// bucket since both are waiting for the drain.
func (c *BulkCounters) bucket(s MessageStatus) *int {
	switch s {
	case StatusQueued, StatusRetry:
		return &c.Queued
	case StatusSending:
		return &c.Sending
	case StatusSent:
		return &c.Sent
	case StatusDelivered:
		return &c.Delivered
	case StatusFailed:
		return &c.Failed
	case StatusBounced:
		return &c.Bounced
	case StatusComplained:
		return &c.Complained
	case StatusSuppressed:
		return &c.Suppressed
	default:
		return nil
	}
}

// Move shifts one message from the prev bucket to the next one. An empty
// prev counts a newly created message. Counters never go below zero.
func (c *BulkCounters) Move(prev, next MessageStatus) {
	if prev != "" && prev == next {
		return
	}
	if b := c.bucket(prev); b != nil && *b > 0 {
		*b--
	}
	if b := c.bucket(next); b != nil {
		*b++
	}
}

// InFlight is the number of messages that can still change bucket on the
// way to a terminal outcome.
func (c BulkCounters) InFlight() int {
	return c.Queued + c.Sending + c.Sent
}

// Sum adds up every bucket.
func (c BulkCounters) Sum() int {
	return c.Queued + c.Sending + c.Sent + c.Delivered + c.Failed + c.Bounced + c.Complained + c.Suppressed
}

// Recompute derives the job status from its counters. completed is set
// exactly when nothing is in flight; completed_at is stamped once.
func (j *BulkJob) Recompute(now time.Time) {
	switch {
	case j.Counters.InFlight() == 0:
		j.Status = BulkCompleted
		if j.CompletedAt == nil {
			t := now
			j.CompletedAt = &t
		}
	case j.Counters.Queued == j.Counters.InFlight() && j.Status != BulkSending:
		j.Status = BulkQueued
		j.CompletedAt = nil
	default:
		j.Status = BulkSending
		j.CompletedAt = nil
	}
}
