package lock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBolt(t *testing.T, opts ...BoltOption) (*Bolt, *bbolt.DB) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "locks.db"), 0o600, &bbolt.Options{Timeout: time.Second, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewBolt(db, opts...)
	require.NoError(t, err)
	return l, db
}

func TestBolt_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestBolt(t)

	h, err := l.Acquire(ctx, "locks:expirationmanager", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "locks:expirationmanager", h.Resource())

	_, err = l.Acquire(ctx, "locks:expirationmanager", 30*time.Millisecond)
	require.True(t, IsTimeout(err, "locks:expirationmanager"), "got %v", err)

	other, err := l.Acquire(ctx, "locks:other", time.Second)
	require.NoError(t, err, "different resources do not conflict")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx), "second release is a no-op")

	h2, err := l.Acquire(ctx, "locks:expirationmanager", time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestBolt_SharedAcrossLockers(t *testing.T) {
	ctx := context.Background()
	l1, db := newTestBolt(t)
	l2, err := NewBolt(db)
	require.NoError(t, err)

	h, err := l1.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	_, err = l2.Acquire(ctx, "r", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, h.Release(ctx))

	h2, err := l2.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestBolt_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestBolt(t)

	h, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, func() { _ = h.Release(ctx) })

	h2, err := l.Acquire(ctx, "r", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestBolt_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	l, _ := newTestBolt(t, WithBoltLease(time.Minute), WithBoltNow(clock.Now))

	stale, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	fresh, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	// The stale holder must not release the new owner's lock.
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "r", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, fresh.Release(ctx))
}

func TestBolt_HeldLockIsRenewed(t *testing.T) {
	ctx := context.Background()
	l, db := newTestBolt(t, WithBoltLease(100*time.Millisecond))

	h, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)

	// Well past the lease; the heartbeat keeps it held.
	time.Sleep(400 * time.Millisecond)
	_, err = l.Acquire(ctx, "r", 50*time.Millisecond)
	require.True(t, IsTimeout(err, "r"), "got %v", err)

	require.NoError(t, h.Release(ctx))

	// No renewal after release.
	time.Sleep(100 * time.Millisecond)
	err = db.View(func(tx *bbolt.Tx) error {
		assert.Nil(t, tx.Bucket(bucketLocks).Get([]byte("r")))
		return nil
	})
	require.NoError(t, err)
}

func TestBolt_RenewFailsForOtherOwner(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	l, _ := newTestBolt(t, WithBoltLease(time.Minute), WithBoltNow(clock.Now))

	h, err := l.Acquire(ctx, "r", time.Second)
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	ok, err := l.renew("r", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.renew("r", h.(*boltHandle).owner)
	require.NoError(t, err)
	assert.True(t, ok)
}
