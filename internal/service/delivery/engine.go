package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/esp"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/suppression"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// Notifier delivers operational alerts.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// Archiver keeps a copy of every dead-letter record outside the store.
type Archiver interface {
	ArchiveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
}

// Engine ties the store, provider registry, gates and reconciler together.
// It is safe for concurrent use; queue drains are serialized.
type Engine struct {
	cfg          Config
	store        Store
	providers    *esp.Registry
	templates    *template.Service
	suppressions *suppression.Service
	circuit      *CircuitBreaker
	limiter      Limiter
	warmup       *WarmupGate
	dedup        DedupCache
	unsubscribe  *UnsubscribeSigner
	notifier     Notifier
	archiver     Archiver
	backoff      *Backoff
	clock        Clock
	newID        func() string
	metrics      *metrics

	processing  atomic.Bool
	pausedUntil atomic.Int64

	// bulkMu serializes bulk counter read-modify-write cycles.
	bulkMu sync.Mutex

	mu          sync.Mutex
	lastSweep   time.Time
	lastDLQWarn time.Time
}

// New builds an engine. Defaults: in-process limiter and dedup cache, no
// notifier, no archiver.
func New(store Store, providers *esp.Registry, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:          cfg,
		store:        store,
		providers:    providers,
		templates:    template.NewService(store),
		suppressions: suppression.NewService(store),
		circuit:      NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitWindow, cfg.CircuitCooldown),
		limiter:      NewMemoryLimiter(),
		warmup:       NewWarmupGate(cfg.WarmupEnabled, cfg.WarmupDailyLimit, store),
		dedup:        NewMemoryDedupCache(cfg.EventCacheTTL),
		unsubscribe:  NewUnsubscribeSigner(cfg.UnsubscribeURL, cfg.UnsubscribeSecret),
		backoff: &Backoff{
			Base:      cfg.BackoffBase,
			Cap:       cfg.BackoffCap,
			MaxJitter: cfg.MaxJitter,
			Rand:      defaultRand(),
		},
		clock:   systemClock{},
		newID:   defaultID,
		metrics: getMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Suppressions exposes the suppression service.
func (e *Engine) Suppressions() *suppression.Service { return e.suppressions }

// UnsubscribeSigner returns the link signer.
func (e *Engine) UnsubscribeSigner() *UnsubscribeSigner { return e.unsubscribe }

// CircuitStatus reports the breaker state for a provider.
func (e *Engine) CircuitStatus(p domain.ESPType) CircuitStatus {
	return e.circuit.Status(p, e.clock.Now())
}

// GetMessage returns a message by id.
func (e *Engine) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return e.store.GetMessage(ctx, id)
}

// GetBulkJob returns a bulk job by id.
func (e *Engine) GetBulkJob(ctx context.Context, id string) (*domain.BulkJob, error) {
	return e.store.GetBulkJob(ctx, id)
}

// SaveTemplate stores tpl and drops any cached parse of the previous
// version.
func (e *Engine) SaveTemplate(ctx context.Context, tpl *domain.Template) error {
	if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
		return invalid("id", "is required")
	}
	if tpl.Subject == "" && tpl.HTML == "" && tpl.Text == "" {
		return invalid("subject", "subject, html or text is required")
	}
	if err := e.templates.Check(tpl); err != nil {
		return invalid("template", err.Error())
	}
	if err := e.store.PutTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	e.templates.Invalidate(tpl.ID)
	return nil
}

// HandleUnsubscribe verifies a signed link and suppresses the address.
func (e *Engine) HandleUnsubscribe(ctx context.Context, email, messageID, sig string) error {
	if !e.unsubscribe.Verify(email, messageID, sig) {
		return ErrInvalidSignature
	}
	created, err := e.suppressions.Suppress(ctx, email, domain.ReasonUnsubscribe, domain.SourceListUnsubscribe, messageID)
	if err != nil {
		return err
	}
	e.recordEvent(ctx, &domain.EmailEvent{
		MessageID: messageID,
		Type:      domain.EventUnsubscribed,
		Details:   map[string]interface{}{"new": created},
	})
	logger.Info("recipient unsubscribed", "message_id", messageID, "email", email, "new", created)
	return nil
}

// recordEvent appends an audit event; failures are logged, not returned.
func (e *Engine) recordEvent(ctx context.Context, ev *domain.EmailEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now()
	}
	if err := e.store.AddEvent(ctx, ev); err != nil {
		logger.Warn("failed to record email event", "type", string(ev.Type), "message_id", ev.MessageID, "error", err.Error())
	}
}

// logHealth writes an operational health record.
func (e *Engine) logHealth(ctx context.Context, component, event string, details map[string]interface{}) {
	if err := e.store.LogServiceHealth(ctx, component, event, details); err != nil {
		logger.Warn("failed to log service health", "component", component, "event", event, "error", err.Error())
	}
}

// UpdateBulkCounters moves one message between counter buckets of its job
// and recomputes the job status.
func (e *Engine) UpdateBulkCounters(ctx context.Context, jobID string, prev, next domain.MessageStatus) error {
	if jobID == "" || prev == next {
		return nil
	}
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()

	job, err := e.store.GetBulkJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Counters.Move(prev, next)
	job.Recompute(e.clock.Now())
	job.UpdatedAt = e.clock.Now()
	return e.store.UpdateBulkJob(ctx, job)
}

// updateBulk is UpdateBulkCounters with logging instead of an error.
func (e *Engine) updateBulk(ctx context.Context, msg *domain.Message, prev, next domain.MessageStatus) {
	if msg.BulkJobID == "" {
		return
	}
	if err := e.UpdateBulkCounters(ctx, msg.BulkJobID, prev, next); err != nil {
		logger.Error("failed to update bulk counters", "bulk_job_id", msg.BulkJobID, "message_id", msg.ID, "error", err.Error())
		if errors.Is(err, ErrStoreCorrupted) {
			e.pause(ctx, err)
		}
	}
}

// pause stops the drain for the corruption cooldown.
func (e *Engine) pause(ctx context.Context, cause error) {
	until := e.clock.Now().Add(e.cfg.CorruptionPause)
	e.pausedUntil.Store(until.UnixNano())
	logger.Error("queue drain paused after store corruption", "until", until.Format(time.RFC3339), "error", cause.Error())
	e.logHealth(ctx, "delivery_queue", "paused", map[string]interface{}{
		"until": until,
		"error": cause.Error(),
	})
}

// PausedUntil returns the end of the current drain pause, or zero.
func (e *Engine) PausedUntil() time.Time {
	n := e.pausedUntil.Load()
	if n == 0 {
		return time.Time{}
	}
	t := time.Unix(0, n).UTC()
	if !e.clock.Now().Before(t) {
		return time.Time{}
	}
	return t
}
