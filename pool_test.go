package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freistellen/background-removal-service/matting"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubFactory(created *int32) sessionFactory {
	return func() (*matting.ModelSession, error) {
		atomic.AddInt32(created, 1)
		return &matting.ModelSession{Size: matting.DefaultInputSize}, nil
	}
}

func TestPoolInitializesAllSessions(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(3, stubFactory(&created))
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, int32(3), atomic.LoadInt32(&created))
	assert.Equal(t, 3, pool.GetMetrics().PoolSize)
}

func TestPoolFactoryErrorFailsConstruction(t *testing.T) {
	pool, err := NewModelSessionPool(2, func() (*matting.ModelSession, error) {
		return nil, errors.New("model file not found")
	})
	require.Error(t, err)
	assert.Nil(t, pool)
	assert.Contains(t, err.Error(), "model file not found")
}

func TestPoolAcquireRelease(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(2, stubFactory(&created))
	require.NoError(t, err)
	defer pool.Destroy()

	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)

	metrics := pool.GetMetrics()
	assert.Equal(t, 2, metrics.InUse)
	assert.Equal(t, int64(2), metrics.TotalAcquired)

	pool.Release(first)
	pool.Release(second)

	metrics = pool.GetMetrics()
	assert.Equal(t, 0, metrics.InUse)
	assert.Equal(t, int64(2), metrics.TotalReleased)

	// Released sessions come back, no new ones are created.
	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(again)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(1, stubFactory(&created))
	require.NoError(t, err)
	defer pool.Destroy()

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(session)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolAcquireTimesOut(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(1, stubFactory(&created))
	require.NoError(t, err)
	defer pool.Destroy()
	pool.acquireTimeout = 50 * time.Millisecond

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(session)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for available session")
	assert.Equal(t, int64(1), pool.GetMetrics().AcquireFailures)
}

func TestPoolReleaseAfterDestroy(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(1, stubFactory(&created))
	require.NoError(t, err)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Destroy()

	// A session returned after shutdown is destroyed, not sent to the
	// closed channel.
	assert.NotPanics(t, func() { pool.Release(session) })
}

func TestPoolDestroyIsIdempotent(t *testing.T) {
	var created int32
	pool, err := NewModelSessionPool(1, stubFactory(&created))
	require.NoError(t, err)

	pool.Destroy()
	pool.Destroy()

	_, err = pool.Acquire(context.Background())
	assert.Error(t, err)
}
