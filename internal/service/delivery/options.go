package delivery

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Config holds engine tuning. Zero values take the defaults below.
type Config struct {
	DefaultProvider domain.ESPType

	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxJitter   time.Duration

	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	LeaseDuration time.Duration
	StaleSending  time.Duration
	BatchLimit    int

	BulkMaxRecipients int

	// Per-minute limits; zero disables a key.
	ProviderRateLimit  int
	ProviderRateLimits map[domain.ESPType]int
	TenantRateLimit    int
	DomainRateLimit    int

	WarmupEnabled    bool
	WarmupDailyLimit int

	EventDedupTTL      time.Duration
	EventCacheTTL      time.Duration
	DedupSweepInterval time.Duration

	DeadLetterAlertThreshold int
	DeadLetterAlertInterval  time.Duration

	CorruptionPause time.Duration

	MaxSubjectLength int
	MaxBodyBytes     int
	MaxScheduleAhead time.Duration

	UnsubscribeURL    string
	UnsubscribeSecret string
}

// Defaults.
const (
	DefaultMaxRetries         = 3
	DefaultBackoffBase        = 30 * time.Second
	DefaultBackoffCap         = time.Hour
	DefaultMaxJitter          = 5 * time.Second
	DefaultCircuitThreshold   = 5
	DefaultCircuitWindow      = 120 * time.Second
	DefaultCircuitCooldown    = 120 * time.Second
	DefaultLeaseDuration      = 60 * time.Second
	DefaultBatchLimit         = 50
	DefaultBulkMaxRecipients  = 500
	DefaultEventDedupTTL      = 7 * 24 * time.Hour
	DefaultEventCacheTTL      = 10 * time.Minute
	DefaultDedupSweepInterval = time.Hour
	DefaultDLQAlertThreshold  = 100
	DefaultDLQAlertInterval   = 15 * time.Minute
	DefaultCorruptionPause    = 60 * time.Second
	DefaultMaxSubjectLength   = 998
	DefaultMaxBodyBytes       = 2 << 20
	DefaultMaxScheduleAhead   = 30 * 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.DefaultProvider == "" {
		c.DefaultProvider = domain.ESPSendGrid
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	} else if c.MaxJitter == 0 {
		c.MaxJitter = DefaultMaxJitter
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = DefaultCircuitThreshold
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = DefaultCircuitWindow
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.StaleSending <= 0 {
		c.StaleSending = 2 * c.LeaseDuration
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.BulkMaxRecipients <= 0 {
		c.BulkMaxRecipients = DefaultBulkMaxRecipients
	}
	if c.EventDedupTTL <= 0 {
		c.EventDedupTTL = DefaultEventDedupTTL
	}
	if c.EventCacheTTL <= 0 {
		c.EventCacheTTL = DefaultEventCacheTTL
	}
	if c.DedupSweepInterval <= 0 {
		c.DedupSweepInterval = DefaultDedupSweepInterval
	}
	if c.DeadLetterAlertThreshold <= 0 {
		c.DeadLetterAlertThreshold = DefaultDLQAlertThreshold
	}
	if c.DeadLetterAlertInterval <= 0 {
		c.DeadLetterAlertInterval = DefaultDLQAlertInterval
	}
	if c.CorruptionPause <= 0 {
		c.CorruptionPause = DefaultCorruptionPause
	}
	if c.MaxSubjectLength <= 0 {
		c.MaxSubjectLength = DefaultMaxSubjectLength
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxScheduleAhead <= 0 {
		c.MaxScheduleAhead = DefaultMaxScheduleAhead
	}
	return c
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLimiter replaces the in-process sliding-window limiter, e.g. with a
// RedisLimiter shared by several instances.
func WithLimiter(l Limiter) Option { return func(e *Engine) { e.limiter = l } }

// WithDedupCache replaces the in-process provider-event dedup cache.
func WithDedupCache(c DedupCache) Option { return func(e *Engine) { e.dedup = c } }

// WithNotifier sets where dead-letter alerts go.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithArchiver sets where dead-letter records are archived.
func WithArchiver(a Archiver) Option { return func(e *Engine) { e.archiver = a } }

// WithRand sets the jitter source. It must return values in [0, 1).
func WithRand(f func() float64) Option { return func(e *Engine) { e.backoff.Rand = f } }

// WithIDGenerator replaces uuid-based message and job ids.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func defaultID() string { return uuid.New().String() }

func defaultRand() func() float64 {
	r := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	return r.Float64
}
