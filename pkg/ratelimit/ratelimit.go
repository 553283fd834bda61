// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides a token-bucket rate limiter admitting new
// flows (spec.md §3 TokenBucket, §4.3): a global bucket is mandatory, an
// optional per-client-address layer (Limiter) may be enabled on top.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// idleEvictAfter bounds how long a per-client bucket may sit unused
// before cleanup reclaims it, so a client that stops sending traffic
// doesn't hold a slot against maxClients forever.
const idleEvictAfter = 10 * time.Minute

// TokenBucket admits flows against a burst capacity that refills at a
// steady requestsPerSecond rate (spec.md §3 TokenBucket: burst, rate).
type TokenBucket struct {
	mu                sync.Mutex
	burst             int64
	tokens            int64
	requestsPerSecond int64
	lastRefill        time.Time
}

// NewTokenBucket creates a bucket starting full at burst capacity,
// refilling at requestsPerSecond tokens per second.
func NewTokenBucket(burst, requestsPerSecond int64) *TokenBucket {
	return &TokenBucket{
		burst:             burst,
		tokens:            burst,
		requestsPerSecond: requestsPerSecond,
		lastRefill:        time.Now(),
	}
}

// Allow admits a single flow.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN admits n units of flow at once.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	added := int64(elapsed * float64(tb.requestsPerSecond))
	if added > 0 {
		tb.tokens += added
		if tb.tokens > tb.burst {
			tb.tokens = tb.burst
		}
		tb.lastRefill = now
	}
}

// Available returns the number of currently available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return tb.tokens
}

// UpdateParams replaces the bucket's burst capacity and refill rate on a
// config apply (spec.md §4.8: "the bucket retains its current token
// count clipped to the new capacity").
func (tb *TokenBucket) UpdateParams(burst, requestsPerSecond int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	tb.burst = burst
	tb.requestsPerSecond = requestsPerSecond
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
}

// clientBucket pairs a per-client TokenBucket with the last time it was
// consulted, so cleanup can evict buckets for clients that went quiet
// instead of evicting an arbitrary half of the map.
type clientBucket struct {
	bucket       *TokenBucket
	lastAccessed time.Time
}

// Limiter is the optional per-client-address rate-limiting layer
// (spec.md §4.3: "an optional per-client bucket may be layered on top of
// the mandatory global bucket"). Each client key gets its own
// TokenBucket sharing one burst/requestsPerSecond configuration.
type Limiter struct {
	mu                sync.RWMutex
	buckets           map[string]*clientBucket
	burst             int64
	requestsPerSecond int64
	maxClients        int
	cleanupTimer      *time.Timer
}

// NewLimiter creates a per-client Limiter. maxClients bounds the number
// of distinct client buckets tracked at once; 0 defaults to 10000.
func NewLimiter(burst, requestsPerSecond int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	l := &Limiter{
		buckets:           make(map[string]*clientBucket),
		burst:             burst,
		requestsPerSecond: requestsPerSecond,
		maxClients:        maxClients,
	}

	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)

	return l
}

// Allow admits a single flow from clientID.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN admits n units of flow from clientID, lazily creating its
// bucket on first sight.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.RLock()
	cb, exists := l.buckets[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		cb, exists = l.buckets[clientID]
		if !exists {
			if len(l.buckets) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			cb = &clientBucket{bucket: NewTokenBucket(l.burst, l.requestsPerSecond)}
			l.buckets[clientID] = cb
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	cb.lastAccessed = time.Now()
	l.mu.Unlock()

	return cb.bucket.AllowN(n)
}

// Remove evicts clientID's bucket immediately.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}

// cleanup evicts buckets idle past idleEvictAfter, bounding memory for
// a long-running process with many short-lived clients.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idleEvictAfter)
	for k, cb := range l.buckets {
		if cb.lastAccessed.Before(cutoff) {
			delete(l.buckets, k)
		}
	}

	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)
}

// Stats returns the number of distinct clients currently tracked.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the background cleanup timer.
func (l *Limiter) Close() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}
