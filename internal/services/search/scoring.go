// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"time"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/models"
)

// ScoringPolicy ranks a candidate against its cached library record; higher
// scores are dispatched first. Implementations must be pure: same inputs,
// same score.
type ScoringPolicy interface {
	Score(item arr.WantedRecord, rec *models.LibraryRecord, strategy models.Strategy) (float64, string)
}

// DefaultScoringPolicy favors items that were never searched, penalizes
// repeat attempts, and boosts recently aired items when the queue strategy
// asks for recency.
type DefaultScoringPolicy struct {
	now func() time.Time
}

func NewDefaultScoringPolicy(now func() time.Time) *DefaultScoringPolicy {
	if now == nil {
		now = time.Now
	}
	return &DefaultScoringPolicy{now: now}
}

func (p *DefaultScoringPolicy) Score(item arr.WantedRecord, rec *models.LibraryRecord, strategy models.Strategy) (float64, string) {
	score := 50.0
	reason := "baseline"

	if rec == nil || rec.LastSearchAt == nil {
		score += 25
		reason = "never searched"
	} else {
		score -= float64(rec.SearchAttempts) * 5
		reason = "previously searched"
	}

	if strategy == models.StrategyCutoffUnmet && !item.QualityMet {
		score += 10
	}

	if item.AirDate != nil {
		age := p.now().Sub(*item.AirDate)
		switch {
		case age < 0:
			// unaired items score lowest: a search cannot succeed yet
			score -= 40
			reason = "not yet aired"
		case strategy == models.StrategyRecent && age < 7*24*time.Hour:
			score += 20
			reason = "recently aired"
		}
	}

	return score, reason
}
