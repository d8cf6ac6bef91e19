// Package memory is an in-process implementation of the delivery store.
// It backs dev mode (no DATABASE_URL) and the engine tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/service/suppression"
	"github.com/ignite/delivery-engine/internal/service/template"
)

// HealthRecord is one LogServiceHealth entry.
type HealthRecord struct {
	Component string
	Event     string
	Details   map[string]interface{}
}

type providerEventRecord struct {
	event     domain.ProviderEvent
	createdAt time.Time
}

// Store keeps every table in maps guarded by one mutex. Reads return copies.
type Store struct {
	mu sync.Mutex

	messages       map[string]*domain.Message
	bulkJobs       map[string]*domain.BulkJob
	idempotency    map[string]*domain.IdempotencyRecord
	suppressions   map[string]*domain.Suppression
	templates      map[string]*domain.Template
	providerEvents map[string]providerEventRecord
	metrics        map[string]int64
	events         []domain.EmailEvent
	deadLetters    []domain.DeadLetter
	health         []HealthRecord
}

var _ delivery.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:       make(map[string]*domain.Message),
		bulkJobs:       make(map[string]*domain.BulkJob),
		idempotency:    make(map[string]*domain.IdempotencyRecord),
		suppressions:   make(map[string]*domain.Suppression),
		templates:      make(map[string]*domain.Template),
		providerEvents: make(map[string]providerEventRecord),
		metrics:        make(map[string]int64),
	}
}

// ---- idempotency ----

func (s *Store) ReserveIdempotency(_ context.Context, key, requestHash string, now time.Time) (*domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idempotency[key]; ok {
		cp := *rec
		return &cp, false, nil
	}
	rec := &domain.IdempotencyRecord{Key: key, RequestHash: requestHash, CreatedAt: now}
	s.idempotency[key] = rec
	cp := *rec
	return &cp, true, nil
}

func (s *Store) FinalizeIdempotency(_ context.Context, key, messageID, bulkJobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return delivery.ErrNotFound
	}
	rec.MessageID = messageID
	rec.BulkJobID = bulkJobID
	t := now
	rec.FinalizedAt = &t
	return nil
}

func (s *Store) ClearPendingIdempotency(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idempotency[key]; ok && rec.FinalizedAt == nil {
		delete(s.idempotency, key)
	}
	return nil
}

// ---- messages ----

func (s *Store) SaveMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) UpdateMessageStatus(_ context.Context, id string, upd domain.StatusUpdate, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, delivery.ErrNotFound
	}
	if m.Status != upd.From {
		return false, nil
	}
	m.Status = upd.To
	if upd.RetryCount != nil {
		m.RetryCount = *upd.RetryCount
	}
	if upd.NextAttemptAt != nil {
		m.NextAttemptAt = timePtr(*upd.NextAttemptAt)
	}
	if upd.LastAttemptAt != nil {
		m.LastAttemptAt = timePtr(*upd.LastAttemptAt)
	}
	if upd.LeaseExpiresAt != nil {
		m.LeaseExpiresAt = timePtr(*upd.LeaseExpiresAt)
	}
	if upd.FailureReason != nil {
		m.FailureReason = *upd.FailureReason
	}
	if upd.ProviderMessageID != nil {
		m.ProviderMessageID = *upd.ProviderMessageID
	}
	m.UpdatedAt = now
	return true, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessageByProviderID(_ context.Context, provider domain.ESPType, providerMessageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Provider == provider && m.ProviderMessageID != "" && m.ProviderMessageID == providerMessageID {
			return cloneMessage(m), nil
		}
	}
	return nil, delivery.ErrNotFound
}

func (s *Store) ClaimPendingMessages(_ context.Context, limit int, opts delivery.ClaimOptions) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := opts.Now
	var eligible []*domain.Message
	for _, m := range s.messages {
		if m.LeaseExpiresAt != nil && now.Before(*m.LeaseExpiresAt) {
			continue
		}
		switch m.Status {
		case domain.StatusQueued, domain.StatusRetry:
			if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
				continue
			}
			if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
				continue
			}
		case domain.StatusSending:
			last := m.UpdatedAt
			if m.LastAttemptAt != nil {
				last = *m.LastAttemptAt
			}
			if now.Sub(last) < opts.StaleSending {
				continue
			}
		default:
			continue
		}
		eligible = append(eligible, m)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := dueAt(eligible[i]), dueAt(eligible[j])
		if a.Equal(b) {
			return eligible[i].ID < eligible[j].ID
		}
		return a.Before(b)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	leaseUntil := now.Add(opts.Lease)
	out := make([]*domain.Message, 0, len(eligible))
	for _, m := range eligible {
		m.LeaseToken = opts.Token
		m.LeaseExpiresAt = timePtr(leaseUntil)
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *Store) ReleaseMessageClaim(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.LeaseToken != token {
		return nil
	}
	m.LeaseToken = ""
	m.LeaseExpiresAt = nil
	return nil
}

// ---- bulk jobs ----

func (s *Store) CreateBulkJob(_ context.Context, job *domain.BulkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkJobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) UpdateBulkJob(_ context.Context, job *domain.BulkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bulkJobs[job.ID]; !ok {
		return delivery.ErrNotFound
	}
	s.bulkJobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetBulkJob(_ context.Context, id string) (*domain.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.bulkJobs[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return cloneJob(job), nil
}

// ---- events, metrics, dead letters ----

func (s *Store) AddEvent(_ context.Context, ev *domain.EmailEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *Store) IncrementMetric(_ context.Context, name, day string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name+"|"+day] += delta
	return nil
}

func (s *Store) GetMetricCount(_ context.Context, name, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics[name+"|"+day], nil
}

func (s *Store) InsertDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, *dl)
	return nil
}

func (s *Store) CountOpenDeadLetters(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters), nil
}

func (s *Store) SaveProviderEvent(_ context.Context, key string, ev *domain.ProviderEvent, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providerEvents[key]; ok {
		return false, nil
	}
	s.providerEvents[key] = providerEventRecord{event: *ev, createdAt: now}
	return true, nil
}

func (s *Store) DeleteProviderEvent(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providerEvents, key)
	return nil
}

func (s *Store) CleanupExpiredProviderEvents(_ context.Context, ttl time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-ttl)
	var n int64
	for k, rec := range s.providerEvents {
		if rec.createdAt.Before(cutoff) {
			delete(s.providerEvents, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) LogServiceHealth(_ context.Context, component, event string, details map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, HealthRecord{Component: component, Event: event, Details: details})
	return nil
}

// ---- suppressions ----

func (s *Store) IsSuppressed(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suppressions[email]
	return ok, nil
}

func (s *Store) Suppress(_ context.Context, entry *domain.Suppression) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suppressions[entry.Email]; ok {
		return false, nil
	}
	cp := *entry
	s.suppressions[entry.Email] = &cp
	return true, nil
}

func (s *Store) GetSuppression(_ context.Context, email string) (*domain.Suppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.suppressions[email]
	if !ok {
		return nil, suppression.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *Store) Remove(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suppressions[email]; !ok {
		return suppression.ErrNotFound
	}
	delete(s.suppressions, email)
	return nil
}

func (s *Store) ListSuppressions(_ context.Context, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Suppression
	for _, entry := range s.suppressions {
		if f.Reason != "" && string(entry.Reason) != f.Reason {
			continue
		}
		if f.Source != "" && string(entry.Source) != f.Source {
			continue
		}
		matched = append(matched, *entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Email < matched[j].Email
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// ---- templates ----

func (s *Store) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, template.ErrTemplateNotFound
	}
	cp := *tpl
	return &cp, nil
}

// PutTemplate stores or replaces a template.
func (s *Store) PutTemplate(_ context.Context, tpl *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	s.templates[strings.TrimSpace(tpl.ID)] = &cp
	return nil
}

// ---- inspection helpers ----

// Events returns a copy of every recorded event.
func (s *Store) Events() []domain.EmailEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.EmailEvent(nil), s.events...)
}

// EventsOfType returns recorded events with the given type.
func (s *Store) EventsOfType(t domain.EventType) []domain.EmailEvent {
	var out []domain.EmailEvent
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// DeadLetters returns a copy of every dead-letter record.
func (s *Store) DeadLetters() []domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeadLetter(nil), s.deadLetters...)
}

// Health returns a copy of every health record.
func (s *Store) Health() []HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HealthRecord(nil), s.health...)
}

// Messages returns every message ordered by creation time.
func (s *Store) Messages() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func dueAt(m *domain.Message) time.Time {
	switch {
	case m.NextAttemptAt != nil:
		return *m.NextAttemptAt
	case m.ScheduledAt != nil:
		return *m.ScheduledAt
	default:
		return m.CreatedAt
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	for _, p := range []**time.Time{&cp.ScheduledAt, &cp.NextAttemptAt, &cp.LastAttemptAt, &cp.LeaseExpiresAt} {
		if *p != nil {
			*p = timePtr(**p)
		}
	}
	return &cp
}

func cloneJob(j *domain.BulkJob) *domain.BulkJob {
	cp := *j
	if j.CompletedAt != nil {
		cp.CompletedAt = timePtr(*j.CompletedAt)
	}
	return &cp
}
