package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var active, maxActive atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "u_1")
			require.NoError(t, err)
			defer unlock()

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err, "a different key must not block")
	unlockB()
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "u_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "u_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second release is a no-op
	assert.Equal(t, 0, k.size())

	again, err := k.Lock(context.Background(), "u_1")
	require.NoError(t, err)
	again()
}

func newTestUserLock(leases Leaser, owner string, ttl time.Duration) *userLock {
	return &userLock{
		local:  newKeyedMutex(),
		leases: leases,
		owner:  owner,
		ttl:    ttl,
		poll:   time.Millisecond,
		logger: zerolog.Nop(),
	}
}

func TestUserLockWaitsForLeaseHeldElsewhere(t *testing.T) {
	store := newMemStore()
	ok, err := store.AcquireLease(context.Background(), "u_1", "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	lock := newTestUserLock(store, "this-process", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lock.Lock(ctx, "u_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, lock.local.size(), "local lock must be released when the lease is not won")
	assert.Equal(t, "other-process", store.leaseOwner("u_1"))

	require.NoError(t, store.ReleaseLease(context.Background(), "u_1", "other-process"))
	unlock, err := lock.Lock(context.Background(), "u_1")
	require.NoError(t, err)
	assert.Equal(t, "this-process", store.leaseOwner("u_1"))

	unlock()
	unlock()
	assert.Empty(t, store.leaseOwner("u_1"))
	assert.Equal(t, 0, lock.local.size())
}

func TestUserLockTakesOverExpiredLease(t *testing.T) {
	store := newMemStore()
	_, err := store.AcquireLease(context.Background(), "u_1", "crashed-process", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	lock := newTestUserLock(store, "this-process", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := lock.Lock(ctx, "u_1")
	require.NoError(t, err)
	defer unlock()
	assert.Equal(t, "this-process", store.leaseOwner("u_1"))
}

func TestUserLockRenewsLeaseWhileHeld(t *testing.T) {
	store := newMemStore()
	lock := newTestUserLock(store, "this-process", 30*time.Millisecond)

	unlock, err := lock.Lock(context.Background(), "u_1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ok, err := store.AcquireLease(context.Background(), "u_1", "other-process", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease must not expire")

	unlock()
	ok, err = store.AcquireLease(context.Background(), "u_1", "other-process", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingLeases struct{ err error }

func (f failingLeases) AcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	return false, f.err
}

func (f failingLeases) ReleaseLease(context.Context, string, string) error { return nil }

func TestUserLockSurfacesLeaseErrors(t *testing.T) {
	lock := newTestUserLock(failingLeases{err: errors.New("database is locked")}, "this-process", time.Minute)
	_, err := lock.Lock(context.Background(), "u_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire reconcile lease")
	assert.Equal(t, 0, lock.local.size())
}
