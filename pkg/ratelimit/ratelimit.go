// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting using the token
// bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxClients  = 10000
	DefaultIdleTimeout = 5 * time.Minute
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full token bucket holding at most capacity
// tokens and gaining refillRate tokens per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return tb.tokens
}

// idle reports whether the bucket is full and was last used more than
// timeout before now.
func (tb *TokenBucket) idle(now time.Time, timeout time.Duration) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	last := tb.lastRefill
	tb.refill(now)
	return tb.tokens >= tb.capacity && now.Sub(last) > timeout
}

// Config holds limiter configuration.
type Config struct {
	// Capacity is the burst size per client.
	Capacity float64
	// RefillRate is the sustained rate per client, in datagrams per second.
	RefillRate float64
	// MaxClients bounds the number of tracked clients. New clients beyond
	// it are rejected until idle ones are evicted.
	MaxClients int
	// IdleTimeout is how long a full bucket is kept after its last use.
	IdleTimeout time.Duration
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*TokenBucket
	config   Config
	done     chan struct{}
	once     sync.Once
}

// NewLimiter creates a new rate limiter with per-client tracking and
// starts its eviction loop. Close stops it.
func NewLimiter(config Config) *Limiter {
	if config.MaxClients <= 0 {
		config.MaxClients = DefaultMaxClients
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	l := &Limiter{
		limiters: make(map[string]*TokenBucket),
		config:   config,
		done:     make(chan struct{}),
	}
	go l.evictLoop()

	return l
}

// Allow checks if a datagram from the given client should be admitted.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN checks if n datagrams from the given client should be admitted.
func (l *Limiter) AllowN(clientID string, n float64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[clientID]
		if !exists {
			if len(l.limiters) >= l.config.MaxClients {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.config.Capacity, l.config.RefillRate)
			l.limiters[clientID] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove removes a client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// evict removes buckets that are full and have been idle for IdleTimeout.
// A full bucket carries no state a fresh one would not.
func (l *Limiter) evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, tb := range l.limiters {
		if tb.idle(now, l.config.IdleTimeout) {
			delete(l.limiters, id)
			evicted++
		}
	}
	return evicted
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the eviction loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}
