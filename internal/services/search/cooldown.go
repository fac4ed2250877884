// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"sync"
	"time"

	"github.com/autobrr/fetcharr/internal/models"
)

// DefaultCooldownHours applies when a queue sets no explicit cooldown window.
const DefaultCooldownHours = 24

// maxAdaptiveFactor caps how far the adaptive mode can stretch the base
// window as attempts pile up.
const maxAdaptiveFactor = 4

// CooldownChecker decides whether a library record is still inside its
// cooldown window. State lives entirely in the LibraryRecord, so the check is
// durable across restarts.
type CooldownChecker struct {
	now func() time.Time
}

func NewCooldownChecker(now func() time.Time) *CooldownChecker {
	if now == nil {
		now = time.Now
	}
	return &CooldownChecker{now: now}
}

// IsInCooldown reports whether the record was searched too recently. A nil or
// never-searched record is never in cooldown. In fixed mode the window is the
// configured hours; in adaptive mode the window widens with each prior
// attempt, so an item that keeps failing to resolve gets searched less often.
func (c *CooldownChecker) IsInCooldown(rec *models.LibraryRecord, mode models.CooldownMode, hours *int) bool {
	if rec == nil || rec.LastSearchAt == nil {
		return false
	}

	base := DefaultCooldownHours
	if hours != nil && *hours > 0 {
		base = *hours
	}

	window := float64(base)
	if mode == models.CooldownModeAdaptive {
		window = float64(base) * (1 + float64(rec.SearchAttempts)/2)
		if max := float64(base * maxAdaptiveFactor); window > max {
			window = max
		}
	}

	expiry := rec.LastSearchAt.Add(time.Duration(window * float64(time.Hour)))
	return c.now().Before(expiry)
}

// CooldownCache is the process-local suppression map. Eviction is tied to the
// read path: every lookup deletes the entry once expired, so the map never
// retains an entry past its expiry plus one lookup. Not durable, not shared
// across processes.
type CooldownCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[models.LibraryKey]time.Time
}

func NewCooldownCache(now func() time.Time) *CooldownCache {
	if now == nil {
		now = time.Now
	}
	return &CooldownCache{
		now:     now,
		entries: make(map[models.LibraryKey]time.Time),
	}
}

// SetCooldown inserts or overwrites the entry with expiry now + window.
func (c *CooldownCache) SetCooldown(key models.LibraryKey, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.now().Add(window)
}

// IsInCooldown checks the entry, lazily evicting it when expired.
func (c *CooldownCache) IsInCooldown(key models.LibraryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.now().Before(expiry) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Len reports the live entry count. Used by tests and the status surface.
func (c *CooldownCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
