package gateway

import (
	"sync"
	"time"
)

// tokenBucket is a per-tenant request budget refilled continuously.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(ratePerSecond float64, burst float64) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: ratePerSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// tenantLimiter keys one bucket per tenant. Idle buckets are evicted so
// one-off tenants do not accumulate forever.
type tenantLimiter struct {
	mu            sync.Mutex
	ratePerSecond float64
	buckets       map[string]*tokenBucket
	lastSweep     time.Time
}

const bucketIdleEviction = 10 * time.Minute

func newTenantLimiter(ratePerSecond float64) *tenantLimiter {
	return &tenantLimiter{
		ratePerSecond: ratePerSecond,
		buckets:       make(map[string]*tokenBucket),
		lastSweep:     time.Now(),
	}
}

func (l *tenantLimiter) allow(tenantID string) bool {
	if l.ratePerSecond <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[tenantID]
	if !ok {
		// Burst of 2 seconds worth of requests, minimum 1.
		burst := l.ratePerSecond * 2
		if burst < 1 {
			burst = 1
		}
		b = newTokenBucket(l.ratePerSecond, burst)
		l.buckets[tenantID] = b
	}
	if time.Since(l.lastSweep) > bucketIdleEviction {
		l.sweepLocked()
	}
	l.mu.Unlock()
	return b.allow()
}

func (l *tenantLimiter) sweepLocked() {
	cutoff := time.Now().Add(-bucketIdleEviction)
	for tenant, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, tenant)
		}
	}
	l.lastSweep = time.Now()
}
