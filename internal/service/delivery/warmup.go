package delivery

import (
	"context"
	"time"
)

// metricSent is the durable daily counter the warmup gate reads.
const metricSent = "sent"

// dayKey buckets t into its UTC calendar day.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// nextUTCDay returns the next UTC midnight after t.
func nextUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// MetricReader is the slice of the store the warmup gate needs.
type MetricReader interface {
	GetMetricCount(ctx context.Context, name, day string) (int64, error)
}

// WarmupGate caps total sends across all providers per UTC day while a new
// sending identity builds reputation.
type WarmupGate struct {
	enabled    bool
	dailyLimit int64
	metrics    MetricReader
}

// NewWarmupGate creates a gate. A disabled gate or a non-positive limit
// always allows.
func NewWarmupGate(enabled bool, dailyLimit int, metrics MetricReader) *WarmupGate {
	return &WarmupGate{enabled: enabled, dailyLimit: int64(dailyLimit), metrics: metrics}
}

// Check reports whether one more send fits today's budget. When it does not,
// next is the start of the next UTC day.
func (w *WarmupGate) Check(ctx context.Context, now time.Time) (allowed bool, next time.Time, err error) {
	if !w.enabled || w.dailyLimit <= 0 {
		return true, time.Time{}, nil
	}
	sent, err := w.metrics.GetMetricCount(ctx, metricSent, dayKey(now))
	if err != nil {
		return false, time.Time{}, err
	}
	if sent < w.dailyLimit {
		return true, time.Time{}, nil
	}
	return false, nextUTCDay(now), nil
}
