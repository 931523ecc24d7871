package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func TestTokenBucket(t *testing.T) {
	c := newClock()
	bucket := newBucket(2, 5, c.now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	c.advance(time.Second)
	if !bucket.Allow() || !bucket.Allow() {
		t.Error("Expected two requests to be allowed after refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestTokenBucketFractionalRefill(t *testing.T) {
	c := newClock()
	bucket := newBucket(2, 1, c.now)
	if !bucket.Allow() {
		t.Fatal("Expected first request to be allowed")
	}
	// Two quarter seconds add up to one token.
	c.advance(250 * time.Millisecond)
	if bucket.Allow() {
		t.Error("Expected request to be denied after half a token")
	}
	c.advance(250 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after a full token accrued")
	}
}

func TestPerListenerLimits(t *testing.T) {
	rl := newLimiter(Limits{Conn: 2, Req: 5, Burst: 3}, newClock().now)

	for i := 0; i < 3; i++ {
		if !rl.AllowConnection("tn_a") {
			t.Errorf("Expected connection %d to be allowed", i)
		}
	}
	if rl.AllowConnection("tn_a") {
		t.Error("Expected connection to be denied due to per-listener limit")
	}
	for i := 0; i < 3; i++ {
		if !rl.AllowRequest("tn_a") {
			t.Errorf("Expected request %d to be allowed", i)
		}
	}
	if rl.AllowRequest("tn_a") {
		t.Error("Expected request to be denied due to per-listener limit")
	}
	if !rl.AllowConnection("tn_b") || !rl.AllowRequest("tn_b") {
		t.Error("Expected a different listener to have separate limits")
	}
}

func TestGlobalLimits(t *testing.T) {
	rl := newLimiter(Limits{GlobalConn: 2, GlobalReq: 2, Burst: 2}, newClock().now)

	if !rl.AllowConnection("tn_a") || !rl.AllowConnection("tn_b") {
		t.Error("Expected the global burst to be allowed")
	}
	if rl.AllowConnection("tn_a") {
		t.Error("Expected connection to be denied due to global limit")
	}
	if !rl.AllowRequest("tn_a") || !rl.AllowRequest("tn_b") {
		t.Error("Expected the global request burst to be allowed")
	}
	if rl.AllowRequest("tn_a") {
		t.Error("Expected request to be denied due to global limit")
	}
}

func TestForgetAndRetain(t *testing.T) {
	rl := newLimiter(Limits{Conn: 1, Req: 1, Burst: 1}, newClock().now)
	for _, k := range []string{"tn_a", "tn_b", "tn_c"} {
		rl.AllowConnection(k)
		rl.AllowRequest(k)
	}
	if rl.Len() != 3 {
		t.Fatalf("Expected 3 keys, got %d", rl.Len())
	}
	rl.Forget("tn_c")
	if rl.Len() != 2 {
		t.Errorf("Expected 2 keys after Forget, got %d", rl.Len())
	}
	rl.Retain(map[string]bool{"tn_a": true})
	if rl.Len() != 1 {
		t.Errorf("Expected 1 key after Retain, got %d", rl.Len())
	}
	if _, ok := rl.connBuckets["tn_a"]; !ok {
		t.Error("Expected tn_a connection bucket to remain")
	}
	// A forgotten key starts over with a full bucket.
	if !rl.AllowConnection("tn_b") {
		t.Error("Expected fresh bucket for tn_b")
	}
}

func TestLimitsDisabled(t *testing.T) {
	rl := New(Limits{Burst: 5})
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("tn_a") || !rl.AllowRequest("tn_a") {
			t.Fatalf("Expected request %d to be allowed when limits disabled", i)
		}
	}
	if rl.Len() != 0 {
		t.Errorf("Expected no buckets when limits disabled, got %d", rl.Len())
	}
}
