// Package ratelimit implements the Rate Limiter component: a per-IP
// token bucket with continuous refill, held behind a striped map so
// admissions for distinct keys do not serialize globally.
//
// Grounded on the teacher's internal/challenge.RiskTracker and
// internal/limits.PenaltyBox (map + mutex, lazy entry creation, TTL
// cleanup), generalized to a fixed-shard striped map per spec §9, and
// on original_source/waf_proxy/proxy/rate_limiter.py's TokenBucket for
// the exact refill formula.
package ratelimit

import (
	"hash/maphash"
	"sync"
	"time"
)

const defaultShards = 64

// idleAfter is the minimum time a full, untouched bucket must sit before
// it becomes eligible for reaping (spec §4.3: T_idle >= 5 min).
const idleAfter = 5 * time.Minute

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a striped, per-IP token bucket rate limiter. Safe for
// concurrent use; admissions for distinct keys proceed in parallel.
type Limiter struct {
	capacity float64 // C = requests_per_minute
	rate     float64 // tokens/second = C/60
	shards   []*shard
	seed     maphash.Seed
	now      func() time.Time
}

// New builds a Limiter with the given capacity (requests per minute).
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	l := &Limiter{
		capacity: float64(requestsPerMinute),
		rate:     float64(requestsPerMinute) / 60.0,
		shards:   make([]*shard, defaultShards),
		seed:     maphash.MakeSeed(),
		now:      time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	var h maphash.Hash
	h.SetSeed(l.seed)
	_, _ = h.WriteString(key)
	return l.shards[h.Sum64()%uint64(len(l.shards))]
}

// Allow performs the admission check of spec §4.3 step 1-5: acquire the
// per-key shard lock, refill, then compare-and-decrement atomically
// under that same lock.
func (l *Limiter) Allow(key string) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	b := s.buckets[key]
	if b == nil {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = minF(l.capacity, b.tokens+elapsed*l.rate)
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Tokens reports the current token count for key, for tests and
// diagnostics. It does not mutate state.
func (l *Limiter) Tokens(key string) float64 {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[key]
	if b == nil {
		return l.capacity
	}
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	return minF(l.capacity, b.tokens+elapsed*l.rate)
}

// Reap removes buckets that are full and have been untouched for at
// least idleAfter, bounding memory growth. A brief race that re-creates
// a full bucket for an idle key concurrently with a reap is acceptable
// per spec §4.3.
func (l *Limiter) Reap() {
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			idle := now.Sub(b.lastRefill)
			tokens := minF(l.capacity, b.tokens+idle.Seconds()*l.rate)
			if tokens >= l.capacity && idle >= idleAfter {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}

// RunReaper starts a background goroutine that calls Reap on interval
// until ctx-like stop channel closes. Returns a stop function.
func (l *Limiter) RunReaper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.Reap()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
