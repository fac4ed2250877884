// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/dbinterface"
)

var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStatus is the terminal outcome of a run.
type ExecutionStatus string

const (
	ExecutionStatusSuccess        ExecutionStatus = "success"
	ExecutionStatusPartialSuccess ExecutionStatus = "partial_success"
	ExecutionStatusFailed         ExecutionStatus = "failed"
)

// SearchLogEntry is one per-item line in a run's audit log. Entries preserve
// dispatch order.
type SearchLogEntry struct {
	Item   string  `json:"item"`
	Action string  `json:"action"`
	Score  float64 `json:"score,omitempty"`
	Result string  `json:"result"`
}

// ExecutionRecord is the durable audit trail of one run. It is created when
// the run starts and finalized exactly once; a record with no completed_at
// means the outcome is unknown (e.g. the process was stopped mid-run), not
// that the run failed.
type ExecutionRecord struct {
	ID                int64            `json:"id"`
	InstanceID        int              `json:"instanceId"`
	QueueID           *int             `json:"queueId,omitempty"` // nil for manual runs
	Strategy          Strategy         `json:"strategy"`
	StartedAt         time.Time        `json:"startedAt"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
	Status            ExecutionStatus  `json:"status"`
	ItemsSearched     int              `json:"itemsSearched"`
	ItemsFound        int              `json:"itemsFound"`
	SearchesTriggered int              `json:"searchesTriggered"`
	ErrorsEncountered int              `json:"errorsEncountered"`
	DurationSeconds   *float64         `json:"durationSeconds,omitempty"`
	Log               []SearchLogEntry `json:"log,omitempty"`
}

// ExecutionStore persists execution records, append-only.
type ExecutionStore struct {
	db dbinterface.Querier
}

func NewExecutionStore(db dbinterface.Querier) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Insert creates the record at run start and fills in its id.
func (s *ExecutionStore) Insert(ctx context.Context, rec *ExecutionRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO executions (instance_id, queue_id, strategy, started_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, rec.InstanceID, rec.QueueID, string(rec.Strategy), rec.StartedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Complete finalizes a record. Called exactly once per execution.
func (s *ExecutionStore) Complete(ctx context.Context, rec *ExecutionRecord) error {
	metadata, err := json.Marshal(rec.Log)
	if err != nil {
		return fmt.Errorf("encode execution log: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			completed_at = ?,
			status = ?,
			items_searched = ?,
			items_found = ?,
			searches_triggered = ?,
			errors_encountered = ?,
			duration_seconds = ?,
			metadata = ?
		WHERE id = ?
	`,
		rec.CompletedAt,
		string(rec.Status),
		rec.ItemsSearched,
		rec.ItemsFound,
		rec.SearchesTriggered,
		rec.ErrorsEncountered,
		rec.DurationSeconds,
		string(metadata),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution rows affected: %w", err)
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, id int64) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, queue_id, strategy, started_at, completed_at,
		       status, items_searched, items_found, searches_triggered,
		       errors_encountered, duration_seconds, metadata
		FROM executions
		WHERE id = ?
	`, id)

	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListRecent returns the newest records for a queue, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, queueID int, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, queue_id, strategy, started_at, completed_at,
		       status, items_searched, items_found, searches_triggered,
		       errors_encountered, duration_seconds, metadata
		FROM executions
		WHERE queue_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return records, nil
}

// CleanupBefore removes records started before the cutoff.
func (s *ExecutionStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup executions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup executions rows affected: %w", err)
	}
	return deleted, nil
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec             ExecutionRecord
		queueID         sql.NullInt64
		strategy        string
		completedAt     sql.NullTime
		durationSeconds sql.NullFloat64
		metadata        sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&rec.InstanceID,
		&queueID,
		&strategy,
		&rec.StartedAt,
		&completedAt,
		&rec.Status,
		&rec.ItemsSearched,
		&rec.ItemsFound,
		&rec.SearchesTriggered,
		&rec.ErrorsEncountered,
		&durationSeconds,
		&metadata,
	); err != nil {
		return nil, err
	}

	parsed, err := ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	rec.Strategy = parsed

	if queueID.Valid {
		id := int(queueID.Int64)
		rec.QueueID = &id
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if durationSeconds.Valid {
		rec.DurationSeconds = &durationSeconds.Float64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Log); err != nil {
			log.Debug().Err(err).Int64("id", rec.ID).Msg("execution log decode failed")
		}
	}

	return &rec, nil
}
