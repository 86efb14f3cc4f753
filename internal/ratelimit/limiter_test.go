package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_PermitsUpToCapacityThenDenies(t *testing.T) {
	l := New(60) // 1 token/sec, capacity 60
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("k"), "request %d should be admitted", i)
	}
	assert.False(t, l.Allow("k"), "61st immediate request should be denied")
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(60)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	for i := 0; i < 60; i++ {
		l.Allow("k")
	}
	assert.False(t, l.Allow("k"))

	fixed = fixed.Add(2 * time.Second) // + ~2 tokens
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestAllow_DistinctKeysAreIndependent(t *testing.T) {
	l := New(1)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestTokens_DoesNotMutateState(t *testing.T) {
	l := New(60)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	before := l.Tokens("k")
	assert.InDelta(t, 60.0, before, 0.001)
	after := l.Tokens("k")
	assert.Equal(t, before, after)
}

func TestReap_RemovesOnlyIdleFullBuckets(t *testing.T) {
	l := New(60)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	l.Allow("full-idle")   // becomes full again only after refill
	l.Allow("depleted")
	for i := 0; i < 59; i++ {
		l.Allow("depleted")
	}

	// Refill fully and age past idleAfter.
	fixed = fixed.Add(idleAfter + time.Minute)
	l.Reap()

	s := l.shardFor("full-idle")
	s.mu.Lock()
	_, stillThere := s.buckets["full-idle"]
	s.mu.Unlock()
	assert.False(t, stillThere, "idle full bucket should be reaped")
}

func TestAllow_ConcurrentDistinctKeysDoNotRace(t *testing.T) {
	l := New(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			l.Allow(k)
		}(key)
	}
	wg.Wait()
}
