package discord

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket combines the local token bucket for a route with the budget the
// server advertised on its last response.
type bucket struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool // true after the first response with rate limit headers
}

// bucketSet is the only shared mutable state of the client. Buckets are keyed
// by route class plus the route's major parameter (the guild ID).
type bucketSet struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	policies map[RouteClass]RoutePolicy
}

func newBucketSet(policies map[RouteClass]RoutePolicy) *bucketSet {
	return &bucketSet{
		buckets:  make(map[string]*bucket),
		policies: policies,
	}
}

func (s *bucketSet) get(route RouteClass, major string) *bucket {
	key := string(route) + ":" + major

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[key]
	if b == nil {
		policy := policyFor(s.policies, route)
		b = &bucket{limiter: rate.NewLimiter(policy.Rate, policy.Burst)}
		s.buckets[key] = b
	}
	return b
}

// acquire blocks until both the local bucket and the advertised budget allow
// one more request. It returns how long it waited. The advertised remaining
// count is decremented under the lock so concurrent callers cannot all pass
// on the same last token.
func (b *bucket) acquire(ctx context.Context, now func() time.Time, sleep func(context.Context, time.Duration) error) (time.Duration, error) {
	start := now()
	if err := b.limiter.Wait(ctx); err != nil {
		return now().Sub(start), err
	}

	for {
		b.mu.Lock()
		if !b.known || b.remaining > 0 {
			if b.known {
				b.remaining--
			}
			b.mu.Unlock()
			return now().Sub(start), nil
		}
		delay := b.resetAt.Sub(now())
		if delay <= 0 {
			// Window elapsed; the next response refreshes the real numbers.
			b.known = false
			b.mu.Unlock()
			return now().Sub(start), nil
		}
		b.mu.Unlock()

		if err := sleep(ctx, delay); err != nil {
			return now().Sub(start), err
		}
	}
}

// update records the server-advertised budget from response headers.
func (b *bucket) update(header http.Header, now time.Time) {
	remainingStr := header.Get("X-RateLimit-Remaining")
	resetAfterStr := header.Get("X-RateLimit-Reset-After")
	if remainingStr == "" || resetAfterStr == "" {
		return
	}

	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	resetAfter, err := strconv.ParseFloat(resetAfterStr, 64)
	if err != nil || resetAfter < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = remaining
	b.resetAt = now.Add(time.Duration(resetAfter * float64(time.Second)))
	b.known = true
}
