package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultLeaseTTL  = 2 * time.Minute
	defaultLeasePoll = 200 * time.Millisecond
)

// Leaser grants time-limited exclusive leases shared by every process using
// the same registry. AcquireLease extends a lease already held by owner.
type Leaser interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// userLock serializes work per user across goroutines with a keyedMutex and
// across processes with a registry lease. The lease is renewed while held.
type userLock struct {
	local  *keyedMutex
	leases Leaser
	owner  string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

func (u *userLock) Lock(ctx context.Context, userID string) (func(), error) {
	unlockLocal, err := u.local.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := u.acquire(ctx, userID); err != nil {
		unlockLocal()
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go u.renew(userID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := u.leases.ReleaseLease(context.Background(), userID, u.owner); err != nil {
				u.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to release reconcile lease")
			}
			unlockLocal()
		})
	}, nil
}

func (u *userLock) acquire(ctx context.Context, userID string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		ok, err := u.leases.AcquireLease(ctx, userID, u.owner, u.ttl)
		if err != nil {
			return fmt.Errorf("acquire reconcile lease: %w", err)
		}
		if ok {
			return nil
		}
		timer.Reset(u.poll)
	}
}

func (u *userLock) renew(userID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(u.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := u.leases.AcquireLease(context.Background(), userID, u.owner, u.ttl)
			switch {
			case err != nil:
				u.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to renew reconcile lease")
			case !ok:
				u.logger.Error().Str("user_id", userID).Msg("Reconcile lease taken over by another process")
			}
		}
	}
}

// keyedMutex serializes work per key while letting different keys proceed in
// parallel. Entries are dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key, or returns ctx's error if ctx ends first.
// The returned func releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
