// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"time"

	"github.com/autobrr/fetcharr/internal/models"
)

// WantedRecord is one item from a backend's wanted listing, normalized across
// the two backend variants. SeriesID and SeasonNumber are zero for movies.
type WantedRecord struct {
	ExternalID   int64
	ContentType  models.ContentType
	Title        string
	Year         int
	SeriesID     int64
	SeasonNumber int
	SeriesTitle  string
	QualityMet   bool
	AirDate      *time.Time
}

// WantedPage is one page of a wanted listing. TotalRecords is the backend's
// claim and is informational only; pagination never terminates on it.
type WantedPage struct {
	Records      []WantedRecord
	TotalRecords int
}

// WantedRequest parameterizes one page fetch.
type WantedRequest struct {
	Strategy models.Strategy
	Page     int // 1-based
	PageSize int
	SortKey  string
	SortDir  string
	Filters  string // opaque custom-strategy parameters
}

// CommandResult identifies a search command accepted by the backend.
type CommandResult struct {
	CommandID int64
}

// CommandStatus is the backend's view of a previously issued command, used by
// feedback checks.
type CommandStatus struct {
	CommandID int64
	State     string // queued, started, completed, failed
	Message   string
}

// PingResult is the outcome of one health probe.
type PingResult struct {
	Success        bool
	Version        string
	ResponseTimeMs int
	Error          string
}

// Client is the capability set fetcharr consumes from a media-manager
// backend. Implementations map errors onto the package sentinels.
type Client interface {
	// Ping probes reachability. A reachable backend that answers with an
	// error still returns a PingResult with Success=false, not an error;
	// the error return is for transport-level failure.
	Ping(ctx context.Context) (*PingResult, error)

	// GetWanted fetches one page of the wanted listing for a strategy.
	GetWanted(ctx context.Context, req WantedRequest) (*WantedPage, error)

	// SearchItems issues one search command covering the given item ids.
	SearchItems(ctx context.Context, ids []int64) (*CommandResult, error)

	// SearchSeason issues one batched search for a whole season. Only
	// meaningful on backends whose type supports season packs.
	SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (*CommandResult, error)

	// GetCommand reports the state of a previously issued command.
	GetCommand(ctx context.Context, commandID int64) (*CommandStatus, error)
}

// ClientProvider hands out a Client for an instance id. The pool
// implementation caches clients and decrypts credentials on first use.
type ClientProvider interface {
	GetClient(ctx context.Context, instanceID int) (Client, error)
}
