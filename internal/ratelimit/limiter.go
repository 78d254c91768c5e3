// Package ratelimit enforces per-tenant request limits at the HTTP
// boundary with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// maxKeys bounds the bucket map; inactive keys are pruned past this.
const maxKeys = 10000

// Bucket is one token bucket.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket builds a bucket allowing rps sustained requests with the
// given burst ceiling.
func NewBucket(rps float64, burst int) *Bucket {
	if burst <= 0 {
		burst = int(rps * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rps,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token when one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long until the next request would pass.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

// caller holds the lock
func (b *Bucket) refill() {
	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	b.lastRefill = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Limiter keeps one bucket per key (tenant id at the HTTP boundary).
// A zero rps disables limiting.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	rps     float64
	burst   int
}

// NewLimiter builds a limiter. rps <= 0 disables it.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{buckets: make(map[string]*Bucket), rps: rps, burst: burst}
}

// Enabled reports whether limiting is in force.
func (l *Limiter) Enabled() bool { return l.rps > 0 }

// Allow checks and consumes one token for the key.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.bucket(key).Allow()
}

// RetryAfter reports the wait for the key's next permitted request.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	return l.bucket(key).RetryAfter()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= maxKeys {
		l.prune()
	}
	b = NewBucket(l.rps, l.burst)
	l.buckets[key] = b
	return b
}

// prune drops buckets that are essentially full, i.e. idle keys.
// Caller holds the write lock.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		b.mu.Lock()
		b.refill()
		full := b.tokens >= b.maxTokens*0.9
		b.mu.Unlock()
		if full {
			delete(l.buckets, key)
		}
	}
}
