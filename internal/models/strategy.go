// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import "fmt"

// Strategy selects which wanted-item listing a queue searches. The set is
// closed; persisted values are validated with ParseStrategy so an unknown
// strategy can only surface as a ValidationError at the storage boundary.
type Strategy string

const (
	StrategyMissing     Strategy = "missing"
	StrategyCutoffUnmet Strategy = "cutoff_unmet"
	StrategyRecent      Strategy = "recent"
	StrategyCustom      Strategy = "custom"
)

// ParseStrategy validates a persisted strategy value.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyMissing, StrategyCutoffUnmet, StrategyRecent, StrategyCustom:
		return Strategy(raw), nil
	}
	return "", &ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", raw)}
}

// ContentType classifies a library item on the backend.
type ContentType string

const (
	ContentTypeMovie   ContentType = "movie"
	ContentTypeEpisode ContentType = "episode"
	ContentTypeSeries  ContentType = "series"
)

// CooldownMode selects how a queue suppresses recently searched items.
type CooldownMode string

const (
	CooldownModeAdaptive CooldownMode = "adaptive"
	CooldownModeFixed    CooldownMode = "fixed"
)

// ValidationError reports malformed queue configuration, such as an unknown
// strategy name or unparseable custom filters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}
