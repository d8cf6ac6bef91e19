package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

type countingProcessor struct {
	mu    sync.Mutex
	calls int
	limit int
	err   error
}

func (p *countingProcessor) ProcessQueue(_ context.Context, limit int) (*delivery.DrainResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.limit = limit
	return &delivery.DrainResult{}, p.err
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestDrainRunner_TickWithoutLock(t *testing.T) {
	p := &countingProcessor{}
	r := NewDrainRunner(p, nil, 0, 25)
	assert.Equal(t, DefaultDrainInterval, r.interval)

	assert.True(t, r.Tick(context.Background()))
	assert.Equal(t, 1, p.count())
	assert.Equal(t, 25, p.limit)
	assert.True(t, r.Status().Leader)
}

func TestDrainRunner_OnlyLockHolderDrains(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	p1, p2 := &countingProcessor{}, &countingProcessor{}
	r1 := NewDrainRunner(p1, distlock.NewRedisLock(client, DrainLockKey, time.Minute), time.Second, 0)
	r2 := NewDrainRunner(p2, distlock.NewRedisLock(client, DrainLockKey, time.Minute), time.Second, 0)

	assert.True(t, r1.Tick(ctx))
	assert.False(t, r2.Tick(ctx))
	assert.True(t, r1.Tick(ctx), "holder keeps the lock")
	assert.Equal(t, 2, p1.count())
	assert.Equal(t, 0, p2.count())
	assert.False(t, r2.Status().Leader)

	require.NoError(t, r1.lock.Release(ctx))
	assert.True(t, r2.Tick(ctx), "lock moves once released")
}

func TestDrainRunner_RecordsErrors(t *testing.T) {
	p := &countingProcessor{err: errors.New("claim messages: boom")}
	r := NewDrainRunner(p, nil, time.Second, 0)
	r.Tick(context.Background())
	st := r.Status()
	assert.Equal(t, int64(1), st.Passes)
	assert.Equal(t, "claim messages: boom", st.LastError)
}

func TestDrainRunner_StartStop(t *testing.T) {
	p := &countingProcessor{}
	r := NewDrainRunner(p, nil, 10*time.Millisecond, 0)
	r.Start(context.Background())
	r.Start(context.Background())

	require.Eventually(t, func() bool { return p.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.False(t, r.Status().Running)

	n := p.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, p.count(), "no passes after stop")
	r.Stop(ctx)
}
