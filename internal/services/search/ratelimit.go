// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"sync"
	"time"
)

// RateLimiter is a per-instance token bucket. Admission is non-blocking:
// a denied caller decides synchronously what to do, the limiter never waits.
// The rate stays floating point end to end so sub-1/s rates work.
type RateLimiter struct {
	rate float64
	now  func() time.Time

	mu      sync.Mutex
	buckets map[int]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter admitting ratePerSecond requests per
// second per instance. Bucket capacity is the rate, floored at one token so
// fractional rates still admit a request every 1/rate seconds instead of
// never.
func NewRateLimiter(ratePerSecond float64, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		rate:    ratePerSecond,
		now:     now,
		buckets: make(map[int]*bucket),
	}
}

func (rl *RateLimiter) capacity() float64 {
	if rl.rate < 1 {
		return 1
	}
	return rl.rate
}

// Allow consumes one token for the instance if available.
func (rl *RateLimiter) Allow(instanceID int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[instanceID]
	if !ok {
		b = &bucket{tokens: rl.capacity(), last: now}
		rl.buckets[instanceID] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * rl.rate
			if cap := rl.capacity(); b.tokens > cap {
				b.tokens = cap
			}
			b.last = now
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Reset drops the bucket for an instance, refilling it on next use.
func (rl *RateLimiter) Reset(instanceID int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, instanceID)
}
