// Package suppression implements the global suppression list service.
//
// This is the single source of truth for whether an email address should
// receive mail. Suppressions flow in from provider webhooks, permanent send
// failures, one-click unsubscribes and manual admin actions, and are checked
// at enqueue time and again before every send.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package suppression
