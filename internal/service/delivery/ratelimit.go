package delivery

import (
	"context"
	"sync"
	"time"
)

// RateWindow is the sliding window every limiter key is measured over.
const RateWindow = time.Minute

// RateKey is one limited dimension of a send attempt.
type RateKey struct {
	Key   string
	Limit int
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter gates send attempts across several keys at once. A slot is taken
// on every key only when all of them have room; a blocked attempt consumes
// nothing. A limit <= 0 means unlimited for that key.
type Limiter interface {
	Allow(ctx context.Context, keys []RateKey, now time.Time) (Decision, error)
}

// limited drops unlimited keys.
func limited(keys []RateKey) []RateKey {
	out := make([]RateKey, 0, len(keys))
	for _, k := range keys {
		if k.Limit > 0 {
			out = append(out, k)
		}
	}
	return out
}

// MemoryLimiter is a process-local sliding-window log per key.
type MemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string][]time.Time
}

// NewMemoryLimiter creates a limiter with a one-minute window.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{window: RateWindow, entries: make(map[string][]time.Time)}
}

// Allow implements Limiter. The wait reported for a blocked attempt is the
// longest one among the full keys.
func (l *MemoryLimiter) Allow(_ context.Context, keys []RateKey, now time.Time) (Decision, error) {
	keys = limited(keys)
	if len(keys) == 0 {
		return Decision{Allowed: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	var wait time.Duration
	blocked := false
	for _, k := range keys {
		hits := l.entries[k.Key]
		i := 0
		for i < len(hits) && !hits[i].After(cutoff) {
			i++
		}
		hits = hits[i:]
		l.entries[k.Key] = hits
		if len(hits) < k.Limit {
			continue
		}
		retry := hits[len(hits)-k.Limit].Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		if retry > wait {
			wait = retry
		}
		blocked = true
	}
	if blocked {
		return Decision{Allowed: false, RetryAfter: wait}, nil
	}
	for _, k := range keys {
		l.entries[k.Key] = append(l.entries[k.Key], now)
	}
	return Decision{Allowed: true}, nil
}
