// Package ratelimit implements the relay's token bucket limits on public
// connections and requests, globally and per listener.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter applies a global bucket and one bucket per key, separately for
// connections and for HTTP requests. A rate of 0 disables that limit.
type Limiter struct {
	mu          sync.Mutex
	globalConn  *TokenBucket
	globalReq   *TokenBucket
	connBuckets map[string]*TokenBucket
	reqBuckets  map[string]*TokenBucket
	connRate    int
	reqRate     int
	burst       int
	now         func() time.Time
}

// Limits configures a Limiter.
type Limits struct {
	GlobalConn int // connections per second across all listeners
	Conn       int // connections per second per listener
	GlobalReq  int
	Req        int
	Burst      int
}

func New(l Limits) *Limiter {
	return newLimiter(l, time.Now)
}

func newLimiter(l Limits, now func() time.Time) *Limiter {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	rl := &Limiter{
		connBuckets: make(map[string]*TokenBucket),
		reqBuckets:  make(map[string]*TokenBucket),
		connRate:    l.Conn,
		reqRate:     l.Req,
		burst:       l.Burst,
		now:         now,
	}
	if l.GlobalConn > 0 {
		rl.globalConn = newBucket(l.GlobalConn, l.Burst, now)
	}
	if l.GlobalReq > 0 {
		rl.globalReq = newBucket(l.GlobalReq, l.Burst, now)
	}
	return rl
}

// AllowConnection checks the global then the per-listener connection limit.
func (rl *Limiter) AllowConnection(key string) bool {
	return rl.allow(rl.globalConn, rl.connBuckets, rl.connRate, key)
}

// AllowRequest checks the global then the per-listener request limit.
func (rl *Limiter) AllowRequest(key string) bool {
	return rl.allow(rl.globalReq, rl.reqBuckets, rl.reqRate, key)
}

func (rl *Limiter) allow(global *TokenBucket, buckets map[string]*TokenBucket, rate int, key string) bool {
	if global != nil && !global.Allow() {
		return false
	}
	if rate <= 0 {
		return true
	}
	rl.mu.Lock()
	b, ok := buckets[key]
	if !ok {
		b = newBucket(rate, rl.burst, rl.now)
		buckets[key] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

// Forget drops the buckets of key.
func (rl *Limiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.connBuckets, key)
	delete(rl.reqBuckets, key)
	rl.mu.Unlock()
}

// Retain drops the buckets of every key not in active.
func (rl *Limiter) Retain(active map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.connBuckets {
		if !active[key] {
			delete(rl.connBuckets, key)
		}
	}
	for key := range rl.reqBuckets {
		if !active[key] {
			delete(rl.reqBuckets, key)
		}
	}
}

// Len returns the number of keys holding buckets.
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	keys := make(map[string]struct{}, len(rl.connBuckets))
	for k := range rl.connBuckets {
		keys[k] = struct{}{}
	}
	for k := range rl.reqBuckets {
		keys[k] = struct{}{}
	}
	return len(keys)
}
