package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, opts...), mr
}

func TestRedis_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedis(t, WithRedisPrefix("jobstore:"), WithRedisLease(time.Minute))

	h, err := l.Acquire(ctx, "locks:expirationmanager", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "locks:expirationmanager", h.Resource())
	assert.True(t, mr.Exists("jobstore:locks:expirationmanager"))
	assert.Equal(t, time.Minute, mr.TTL("jobstore:locks:expirationmanager"))

	_, err = l.Acquire(ctx, "locks:expirationmanager", 30*time.Millisecond)
	require.True(t, IsTimeout(err, "locks:expirationmanager"), "got %v", err)

	require.NoError(t, h.Release(ctx))
	assert.False(t, mr.Exists("jobstore:locks:expirationmanager"))
	require.NoError(t, h.Release(ctx), "second release is a no-op")
}

func TestRedis_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedis(t, WithRedisLease(time.Minute))

	stale, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	fresh, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	// Compare-and-delete keeps the new owner's key.
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("r"))

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("r"))
}

func TestRedis_HeldLockIsRenewed(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedis(t, WithRedisLease(300*time.Millisecond))

	h, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("r") > 200*time.Millisecond
	}, time.Second, 10*time.Millisecond, "heartbeat should reset the TTL")

	mr.FastForward(250 * time.Millisecond)
	assert.True(t, mr.Exists("r"))

	require.NoError(t, h.Release(ctx))
	assert.False(t, mr.Exists("r"))
}

func TestRedis_StoreError(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedis(t)
	mr.SetError("server unavailable")

	_, err := l.Acquire(ctx, "r", time.Second)
	require.Error(t, err)
	assert.False(t, IsTimeout(err, "r"))
}
