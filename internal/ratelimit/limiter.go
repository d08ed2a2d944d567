// Package ratelimit implements token-bucket rate limiting keyed by an
// arbitrary string (client IP, API key ID, tier name).
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is a token bucket: capacity tokens maximum, refilled at rate
// tokens per second. Allow consumes exactly one token.
type Bucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	lastTime time.Time
}

// NewBucket creates a full bucket.
func NewBucket(rate float64, capacity int) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Bucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: time.Now(),
	}
}

// Allow consumes one token if available.
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

// RetryAfter returns how long until one token will be available, rounded
// up to whole seconds for the Retry-After header. Zero means a token is
// available now.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	secs := math.Ceil(missing / b.rate)
	return time.Duration(secs) * time.Second
}

// Available returns the current whole-token count.
func (b *Bucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int(b.tokens)
}

// refill must be called with the lock held.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastTime).Seconds()
	b.lastTime = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Limiter hands out one bucket per key, created lazily.
type Limiter struct {
	mu       sync.Mutex
	rate     float64
	capacity int
	buckets  map[string]*Bucket
}

// NewLimiter creates a per-key limiter where every key gets a bucket with
// the same rate and capacity.
func NewLimiter(rate float64, capacity int) *Limiter {
	return &Limiter{
		rate:     rate,
		capacity: capacity,
		buckets:  make(map[string]*Bucket),
	}
}

// Allow consumes one token from the key's bucket.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RetryAfter returns the wait hint for the key's bucket.
func (l *Limiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).RetryAfter()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(l.rate, l.capacity)
		l.buckets[key] = b
	}
	return b
}
