package delivery

import (
	"sync"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// CircuitStatus is a point-in-time view of one provider's breaker.
type CircuitStatus struct {
	Provider     domain.ESPType `json:"provider"`
	Open         bool           `json:"open"`
	Failures     int            `json:"failures"`
	OpenUntil    *time.Time     `json:"open_until,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms"`
}

type circuitState struct {
	failures  []time.Time
	openUntil time.Time
	tripped   bool
}

// CircuitBreaker tracks recent retryable failures per provider. Once the
// threshold is reached inside the window the provider is shed for the
// cooldown; after that every request is let through as a trial until a
// success clears the state. Concurrent trials are not limited.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	states    map[domain.ESPType]*circuitState
}

// NewCircuitBreaker creates a breaker with the given threshold, window and cooldown.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		states:    make(map[domain.ESPType]*circuitState),
	}
}

func (c *CircuitBreaker) state(p domain.ESPType) *circuitState {
	s, ok := c.states[p]
	if !ok {
		s = &circuitState{}
		c.states[p] = s
	}
	return s
}

// prune drops failures that fell out of the window.
func (c *CircuitBreaker) prune(s *circuitState, now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(s.failures) && !s.failures[i].After(cutoff) {
		i++
	}
	s.failures = s.failures[i:]
}

// Allow reports whether a send to p may proceed at now, and if not, how long
// until the cooldown ends.
func (c *CircuitBreaker) Allow(p domain.ESPType, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(p)
	if now.Before(s.openUntil) {
		return false, s.openUntil.Sub(now)
	}
	return true, 0
}

// RecordFailure tracks one retryable failure and reports whether this
// failure opened the circuit.
func (c *CircuitBreaker) RecordFailure(p domain.ESPType, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(p)
	c.prune(s, now)
	s.failures = append(s.failures, now)
	if len(s.failures) >= c.threshold && !now.Before(s.openUntil) {
		s.openUntil = now.Add(c.cooldown)
		s.tripped = true
		return true
	}
	return false
}

// RecordSuccess clears all tracked failures and reports whether the circuit
// had been open since the last success.
func (c *CircuitBreaker) RecordSuccess(p domain.ESPType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(p)
	wasTripped := s.tripped
	s.failures = nil
	s.openUntil = time.Time{}
	s.tripped = false
	return wasTripped
}

// Status returns the breaker state for p at now.
func (c *CircuitBreaker) Status(p domain.ESPType, now time.Time) CircuitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(p)
	c.prune(s, now)
	st := CircuitStatus{Provider: p, Failures: len(s.failures)}
	if now.Before(s.openUntil) {
		until := s.openUntil
		st.Open = true
		st.OpenUntil = &until
		st.RetryAfterMS = until.Sub(now).Milliseconds()
	}
	return st
}
