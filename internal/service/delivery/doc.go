// Package delivery implements the outbound email delivery engine: idempotent
// enqueue, bulk jobs, the leased queue drain with rate limiting, circuit
// breaking and retry/backoff, dead-lettering, and reconciliation of provider
// delivery callbacks.
//
// The engine owns all process-local mutable state (circuit state, limiter
// buckets, event dedup cache) so tests can build isolated instances. Durable
// state lives behind the Store interface in store.go.
package delivery
