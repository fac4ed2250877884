// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/fetcharr/internal/models"
)

func TestCooldownCacheLazyEviction(t *testing.T) {
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cache := NewCooldownCache(func() time.Time { return current })

	key := models.LibraryKey{ContentType: models.ContentTypeEpisode, ExternalID: 42}
	cache.SetCooldown(key, 24*time.Hour)

	// non-expired entry stays present and reports in cooldown
	current = current.Add(23 * time.Hour)
	assert.True(t, cache.IsInCooldown(key))
	assert.Equal(t, 1, cache.Len())

	// checking past expiry evicts on the read path
	current = current.Add(time.Hour + time.Second)
	assert.False(t, cache.IsInCooldown(key))
	assert.Equal(t, 0, cache.Len(), "expired entry must be removed by the lookup")
}

func TestCooldownCheckerFixedMode(t *testing.T) {
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	checker := NewCooldownChecker(func() time.Time { return current })

	hours := 12
	searchedAt := current.Add(-6 * time.Hour)
	rec := &models.LibraryRecord{SearchAttempts: 1, LastSearchAt: &searchedAt}

	assert.True(t, checker.IsInCooldown(rec, models.CooldownModeFixed, &hours))

	current = current.Add(7 * time.Hour)
	assert.False(t, checker.IsInCooldown(rec, models.CooldownModeFixed, &hours))
}

func TestCooldownCheckerAdaptiveWidensWithAttempts(t *testing.T) {
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	checker := NewCooldownChecker(func() time.Time { return current })

	hours := 10
	searchedAt := current.Add(-15 * time.Hour)

	fresh := &models.LibraryRecord{SearchAttempts: 1, LastSearchAt: &searchedAt}
	// 10h * (1 + 1/2) = 15h window, exactly expired
	assert.False(t, checker.IsInCooldown(fresh, models.CooldownModeAdaptive, &hours))

	stubborn := &models.LibraryRecord{SearchAttempts: 4, LastSearchAt: &searchedAt}
	// 10h * (1 + 4/2) = 30h window, still cooling
	assert.True(t, checker.IsInCooldown(stubborn, models.CooldownModeAdaptive, &hours))

	// the factor is capped: even hundreds of attempts cannot exceed 4x base
	hopeless := &models.LibraryRecord{SearchAttempts: 500, LastSearchAt: &searchedAt}
	current = current.Add(26 * time.Hour) // 41h since search, past the 40h cap
	assert.False(t, checker.IsInCooldown(hopeless, models.CooldownModeAdaptive, &hours))
}

func TestCooldownCheckerNeverSearched(t *testing.T) {
	checker := NewCooldownChecker(nil)
	assert.False(t, checker.IsInCooldown(nil, models.CooldownModeAdaptive, nil))
	assert.False(t, checker.IsInCooldown(&models.LibraryRecord{}, models.CooldownModeFixed, nil))
}
