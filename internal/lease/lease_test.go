package lease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PredictLedger/internal/lease"
	"PredictLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	testutil.RequireIntegration(t)

	rdb := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return rdb
}

func TestLeaseExclusive(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	first := lease.New(rdb, key, time.Second, nil, zerolog.Nop())
	second := lease.New(rdb, key, time.Second, nil, zerolog.Nop())

	require.NoError(t, first.TryAcquire(ctx))
	assert.True(t, errors.Is(second.TryAcquire(ctx), lease.ErrLeaseHeld))

	require.NoError(t, first.Renew(ctx))
	assert.True(t, errors.Is(second.Renew(ctx), lease.ErrLeaseLost), "a non-holder cannot renew")

	// Releasing someone else's lease is a no-op.
	second.Release()
	assert.True(t, errors.Is(second.TryAcquire(ctx), lease.ErrLeaseHeld))

	first.Release()
	require.NoError(t, second.TryAcquire(ctx))
	second.Release()
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	first := lease.New(rdb, key, 100*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, first.TryAcquire(ctx))

	second := lease.New(rdb, key, time.Second, nil, zerolog.Nop())
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, second.Acquire(waitCtx, 20*time.Millisecond))

	assert.True(t, errors.Is(first.Renew(ctx), lease.ErrLeaseLost))
	second.Release()
}

func TestKeepReleasesOnCancel(t *testing.T) {
	rdb := newClient(t)
	key := "test:" + uuid.NewString()

	l := lease.New(rdb, key, 150*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, l.TryAcquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Keep(ctx) }()

	// Outlive the TTL: Keep must have renewed.
	time.Sleep(400 * time.Millisecond)
	other := lease.New(rdb, key, time.Second, nil, zerolog.Nop())
	assert.True(t, errors.Is(other.TryAcquire(context.Background()), lease.ErrLeaseHeld))

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, other.TryAcquire(context.Background()))
	other.Release()
}
