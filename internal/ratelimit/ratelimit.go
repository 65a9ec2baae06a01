// Package ratelimit limits how often a client may call an HTTP API. Each
// client key owns a token bucket refilled at a fixed rate.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter decides whether a request from key may proceed. Implementations
// must be safe for concurrent use.
type Limiter interface {
	Allow(key string) bool
	Close() error
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// TokenBucket is an in-memory Limiter. A background goroutine evicts keys
// idle for longer than the idle period; call Close to stop it.
type TokenBucket struct {
	rate  float64 // tokens per second
	burst float64
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const defaultIdle = 10 * time.Minute

// NewTokenBucket allows rate requests per second per key with bursts of up
// to burst requests.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	tb := &TokenBucket{
		rate:    rate,
		burst:   float64(burst),
		idle:    defaultIdle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go tb.evictLoop()
	return tb
}

// Allow takes one token from key's bucket.
func (tb *TokenBucket) Allow(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		tb.buckets[key] = &bucket{tokens: tb.burst - 1, lastSeen: now}
		return true
	}
	b.tokens = min(tb.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*tb.rate)
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Len returns the number of tracked keys.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (tb *TokenBucket) Close() error {
	tb.stopOnce.Do(func() { close(tb.done) })
	return nil
}

func (tb *TokenBucket) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-tb.done:
			return
		case <-ticker.C:
			tb.evictIdle()
		}
	}
}

func (tb *TokenBucket) evictIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	cutoff := tb.now().Add(-tb.idle)
	for key, b := range tb.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(tb.buckets, key)
		}
	}
}
