package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLock_MutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client, "delivery:drain", 30*time.Second)
	b := NewRedisLock(client, "delivery:drain", 30*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held by another owner")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "owner re-acquires")

	require.NoError(t, b.Release(ctx), "non-owner release is a no-op")
	assert.True(t, mr.Exists("lock:delivery:drain"))

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiryAndExtend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client, "k", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("lock:k"))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrNotOwner)
}

func TestPGAdvisoryLock_PinsConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	l := NewPGAdvisoryLock(db, "delivery:drain")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "held locks are not re-queried")

	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "second release is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_Contended(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "delivery:drain")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLock_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &RedisLock{}, NewLock(client, db, "k", time.Second))
	assert.IsType(t, &PGAdvisoryLock{}, NewLock(nil, db, "k", time.Second))
	assert.Nil(t, NewLock(nil, nil, "k", time.Second))
}
