// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/models"
)

// HistoryRecorder writes the durable audit trail around a run. Begin inserts
// the record before any backend call; Complete finalizes it exactly once. A
// record left without completed_at marks a run whose outcome is unknown.
type HistoryRecorder struct {
	store *models.ExecutionStore
	now   func() time.Time
}

func NewHistoryRecorder(store *models.ExecutionStore, now func() time.Time) *HistoryRecorder {
	if now == nil {
		now = time.Now
	}
	return &HistoryRecorder{store: store, now: now}
}

// Begin opens the execution record. queueID is nil for manual runs.
func (h *HistoryRecorder) Begin(ctx context.Context, instanceID int, queueID *int, strategy models.Strategy) (*models.ExecutionRecord, error) {
	rec := &models.ExecutionRecord{
		InstanceID: instanceID,
		QueueID:    queueID,
		Strategy:   strategy,
		StartedAt:  h.now(),
	}
	if err := h.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Complete finalizes the record with the run's outcome.
func (h *HistoryRecorder) Complete(ctx context.Context, rec *models.ExecutionRecord, result *RunResult) error {
	now := h.now()
	duration := now.Sub(rec.StartedAt).Seconds()

	rec.CompletedAt = &now
	rec.DurationSeconds = &duration
	rec.Status = result.Status
	rec.ItemsSearched = result.ItemsSearched
	rec.ItemsFound = result.ItemsFound
	rec.SearchesTriggered = result.SearchesTriggered
	rec.ErrorsEncountered = result.ErrorsEncountered
	rec.Log = result.Log

	return h.store.Complete(ctx, rec)
}

// Fail finalizes the record for a run that aborted before producing a result.
func (h *HistoryRecorder) Fail(ctx context.Context, rec *models.ExecutionRecord, runErr error) {
	now := h.now()
	duration := now.Sub(rec.StartedAt).Seconds()

	rec.CompletedAt = &now
	rec.DurationSeconds = &duration
	rec.Status = models.ExecutionStatusFailed
	rec.ErrorsEncountered = 1
	rec.Log = []models.SearchLogEntry{{Item: "run", Action: "aborted", Result: runErr.Error()}}

	if err := h.store.Complete(ctx, rec); err != nil {
		log.Error().Err(err).Int64("executionID", rec.ID).Msg("failed to finalize aborted execution record")
	}
}
