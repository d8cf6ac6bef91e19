package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

const (
	// DefaultDrainInterval is how often the runner drains the queue.
	DefaultDrainInterval = 5 * time.Second

	// DrainLockKey names the lock that elects one drainer across instances.
	DrainLockKey = "delivery:drain"
)

// QueueProcessor runs a drain pass.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, limit int) (*delivery.DrainResult, error)
}

// DrainRunner periodically drains the delivery queue. When a lock is
// configured only the instance holding it drains; the others idle until the
// lock frees up.
type DrainRunner struct {
	processor QueueProcessor
	lock      distlock.DistLock
	interval  time.Duration
	limit     int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	leader  bool
	passes  int64
	lastErr error
}

// NewDrainRunner creates a runner. A nil lock drains on every tick.
func NewDrainRunner(p QueueProcessor, lock distlock.DistLock, interval time.Duration, limit int) *DrainRunner {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &DrainRunner{
		processor: p,
		lock:      lock,
		interval:  interval,
		limit:     limit,
	}
}

// Start launches the loop in a goroutine. Calling Start twice is a no-op.
func (r *DrainRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	logger.Info("drain runner started", "interval", r.interval.String(), "limit", r.limit)
}

// Stop cancels the loop, waits for the in-flight pass, and releases the lock.
func (r *DrainRunner) Stop(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("drain runner stop timed out")
	}
	if r.lock != nil {
		if err := r.lock.Release(ctx); err != nil {
			logger.Warn("failed to release drain lock", "error", err.Error())
		}
	}
	logger.Info("drain runner stopped")
}

func (r *DrainRunner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs a single pass if this instance holds the drain lock. It reports
// whether a pass ran.
func (r *DrainRunner) Tick(ctx context.Context) bool {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("drain lock unavailable", "error", err.Error())
			r.setLeader(false)
			return false
		}
		r.setLeader(ok)
		if !ok {
			return false
		}
	}

	res, err := r.processor.ProcessQueue(ctx, r.limit)
	r.mu.Lock()
	r.passes++
	r.lastErr = err
	r.mu.Unlock()
	if err != nil {
		logger.Error("queue drain failed", "error", err.Error())
		return true
	}
	if res != nil && res.PausedUntil != nil {
		logger.Debug("queue drain paused", "until", res.PausedUntil.Format(time.RFC3339))
	}
	return true
}

func (r *DrainRunner) setLeader(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok != r.leader {
		logger.Info("drain leadership changed", "leader", ok)
	}
	r.leader = ok
}

// RunnerStatus is a snapshot for health reporting.
type RunnerStatus struct {
	Running   bool   `json:"running"`
	Leader    bool   `json:"leader"`
	Passes    int64  `json:"passes"`
	LastError string `json:"last_error,omitempty"`
}

// Status returns the runner snapshot.
func (r *DrainRunner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunnerStatus{
		Running: r.cancel != nil,
		Leader:  r.leader || r.lock == nil,
		Passes:  r.passes,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}
