// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/fetcharr/internal/dbinterface"
)

var ErrQueueNotFound = errors.New("queue not found")

// MaxConsecutiveFailures is the circuit-breaker threshold: a queue that fails
// this many runs in a row is deactivated until an operator intervenes.
const MaxConsecutiveFailures = 5

// QueueStatus is the lifecycle state of a queue.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Queue is a user-configured unit of repeated or one-off search work against
// one instance. State transitions go through the methods below; callers
// persist each transition immediately via QueueStore.Save so a crash mid-run
// leaves the queue detectably in_progress.
type Queue struct {
	ID                  int          `json:"id"`
	InstanceID          int          `json:"instanceId"`
	Name                string       `json:"name"`
	Strategy            Strategy     `json:"strategy"`
	IsRecurring         bool         `json:"isRecurring"`
	IntervalHours       *int         `json:"intervalHours,omitempty"`
	Filters             string       `json:"filters,omitempty"`
	Status              QueueStatus  `json:"status"`
	IsActive            bool         `json:"isActive"`
	NextRun             *time.Time   `json:"nextRun,omitempty"`
	LastRun             *time.Time   `json:"lastRun,omitempty"`
	ItemsFound          int          `json:"itemsFound"`
	ItemsSearched       int          `json:"itemsSearched"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	ErrorMessage        *string      `json:"errorMessage,omitempty"`
	MaxItemsPerRun      int          `json:"maxItemsPerRun"`
	CooldownMode        CooldownMode `json:"cooldownMode"`
	CooldownHours       *int         `json:"cooldownHours,omitempty"`
	SeasonPackEnabled   bool         `json:"seasonPackEnabled"`
	SeasonPackThreshold int          `json:"seasonPackThreshold"`
}

// IsReadyToRun reports whether the scheduler may start a run for this queue.
func (q *Queue) IsReadyToRun(now time.Time) bool {
	if !q.IsActive || q.Status != QueueStatusPending {
		return false
	}
	return q.NextRun == nil || !q.NextRun.After(now)
}

// MarkInProgress transitions a pending queue into in_progress. Callers must
// check IsReadyToRun first; calling this on a non-pending queue is a bug.
func (q *Queue) MarkInProgress(now time.Time) {
	q.Status = QueueStatusInProgress
	q.LastRun = &now
}

// MarkCompleted records a successful run. Recurring queues return to pending
// with next_run advanced by their interval; one-time queues stay completed.
func (q *Queue) MarkCompleted(itemsFound, itemsSearched int, now time.Time) {
	q.Status = QueueStatusCompleted
	q.ItemsFound = itemsFound
	q.ItemsSearched = itemsSearched
	q.ConsecutiveFailures = 0
	q.ErrorMessage = nil

	if q.IsRecurring && q.IntervalHours != nil {
		next := now.Add(time.Duration(*q.IntervalHours) * time.Hour)
		q.NextRun = &next
		q.Status = QueueStatusPending
	}
}

// MarkFailed records a failed run. At MaxConsecutiveFailures the queue is
// deactivated: the error message explains the trip so operators can tell this
// apart from a health-monitor pause. Status stays failed until an operator
// calls Activate or ResetForRetry.
func (q *Queue) MarkFailed(message string, now time.Time) {
	q.Status = QueueStatusFailed
	q.ConsecutiveFailures++

	if q.ConsecutiveFailures >= MaxConsecutiveFailures {
		q.IsActive = false
		q.NextRun = nil
		tripped := fmt.Sprintf("deactivated after %d consecutive failures: %s", q.ConsecutiveFailures, message)
		q.ErrorMessage = &tripped
		return
	}

	q.ErrorMessage = &message
}

// Activate re-enables a queue, clearing failure history and rescheduling it
// to run immediately.
func (q *Queue) Activate(now time.Time) {
	q.IsActive = true
	q.ConsecutiveFailures = 0
	q.ErrorMessage = nil
	q.Status = QueueStatusPending
	q.NextRun = &now
}

// Deactivate disables a queue without clearing its failure history.
func (q *Queue) Deactivate() {
	q.IsActive = false
	q.NextRun = nil
}

// ResetForRetry clears a failed run so the queue is eligible again, without
// touching is_active.
func (q *Queue) ResetForRetry() {
	q.Status = QueueStatusPending
	q.ErrorMessage = nil
	q.ConsecutiveFailures = 0
}

// QueueStore persists queues.
type QueueStore struct {
	db dbinterface.Querier
}

func NewQueueStore(db dbinterface.Querier) *QueueStore {
	return &QueueStore{db: db}
}

const queueColumns = `
	id, instance_id, name, strategy, is_recurring, interval_hours, filters,
	status, is_active, next_run, last_run, items_found, items_searched,
	consecutive_failures, error_message, max_items_per_run, cooldown_mode,
	cooldown_hours, season_pack_enabled, season_pack_threshold
`

func (s *QueueStore) Create(ctx context.Context, q *Queue) (*Queue, error) {
	if _, err := ParseStrategy(string(q.Strategy)); err != nil {
		return nil, err
	}
	if q.MaxItemsPerRun <= 0 {
		q.MaxItemsPerRun = 50
	}
	if q.CooldownMode == "" {
		q.CooldownMode = CooldownModeAdaptive
	}
	if q.SeasonPackThreshold <= 0 {
		q.SeasonPackThreshold = 3
	}
	if q.Status == "" {
		q.Status = QueueStatusPending
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO queues (
			instance_id, name, strategy, is_recurring, interval_hours, filters,
			status, is_active, next_run, items_found, items_searched,
			consecutive_failures, max_items_per_run, cooldown_mode,
			cooldown_hours, season_pack_enabled, season_pack_threshold
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		q.InstanceID,
		q.Name,
		string(q.Strategy),
		q.IsRecurring,
		q.IntervalHours,
		q.Filters,
		string(q.Status),
		q.IsActive,
		q.NextRun,
		q.MaxItemsPerRun,
		string(q.CooldownMode),
		q.CooldownHours,
		q.SeasonPackEnabled,
		q.SeasonPackThreshold,
	).Scan(&q.ID)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	return q, nil
}

func (s *QueueStore) Get(ctx context.Context, id int) (*Queue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?`, id)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// ListActive returns queues eligible for scheduling.
func (s *QueueStore) ListActive(ctx context.Context) ([]*Queue, error) {
	return s.list(ctx, `SELECT `+queueColumns+` FROM queues WHERE is_active = 1 ORDER BY id`)
}

func (s *QueueStore) List(ctx context.Context) ([]*Queue, error) {
	return s.list(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY id`)
}

func (s *QueueStore) ListByInstance(ctx context.Context, instanceID int) ([]*Queue, error) {
	return s.list(ctx, `SELECT `+queueColumns+` FROM queues WHERE instance_id = ? ORDER BY id`, instanceID)
}

func (s *QueueStore) list(ctx context.Context, query string, args ...any) ([]*Queue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return queues, nil
}

// Save persists the mutable state of a queue. Every state transition is
// written through here immediately after the in-memory mutation.
func (s *QueueStore) Save(ctx context.Context, q *Queue) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queues SET
			name = ?, strategy = ?, is_recurring = ?, interval_hours = ?, filters = ?,
			status = ?, is_active = ?, next_run = ?, last_run = ?,
			items_found = ?, items_searched = ?, consecutive_failures = ?,
			error_message = ?, max_items_per_run = ?, cooldown_mode = ?,
			cooldown_hours = ?, season_pack_enabled = ?, season_pack_threshold = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		q.Name,
		string(q.Strategy),
		q.IsRecurring,
		q.IntervalHours,
		q.Filters,
		string(q.Status),
		q.IsActive,
		q.NextRun,
		q.LastRun,
		q.ItemsFound,
		q.ItemsSearched,
		q.ConsecutiveFailures,
		q.ErrorMessage,
		q.MaxItemsPerRun,
		string(q.CooldownMode),
		q.CooldownHours,
		q.SeasonPackEnabled,
		q.SeasonPackThreshold,
		q.ID,
	)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save queue rows affected: %w", err)
	}
	if affected == 0 {
		return ErrQueueNotFound
	}
	return nil
}

// PauseForInstance deactivates every active queue on an instance, tagging the
// error message so a later resume touches only queues paused this way.
// Returns the ids of the queues paused.
func (s *QueueStore) PauseForInstance(ctx context.Context, instanceID int, tag string) ([]int, error) {
	ids, err := s.selectIDs(ctx, `SELECT id FROM queues WHERE instance_id = ? AND is_active = 1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list queues to pause: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE queues SET is_active = 0, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND is_active = 1
	`, tag, instanceID); err != nil {
		return nil, fmt.Errorf("pause queues: %w", err)
	}
	return ids, nil
}

// ResumeForInstance reactivates queues on an instance that carry the given
// pause tag. Queues deactivated for other reasons (circuit breaker, manual)
// are left untouched.
func (s *QueueStore) ResumeForInstance(ctx context.Context, instanceID int, tag string) ([]int, error) {
	ids, err := s.selectIDs(ctx, `
		SELECT id FROM queues WHERE instance_id = ? AND is_active = 0 AND error_message = ?
	`, instanceID, tag)
	if err != nil {
		return nil, fmt.Errorf("list queues to resume: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE queues SET is_active = 1, error_message = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND is_active = 0 AND error_message = ?
	`, instanceID, tag); err != nil {
		return nil, fmt.Errorf("resume queues: %w", err)
	}
	return ids, nil
}

func (s *QueueStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete queue rows affected: %w", err)
	}
	if affected == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (s *QueueStore) selectIDs(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (*Queue, error) {
	var (
		q             Queue
		strategy      string
		cooldownMode  string
		intervalHours sql.NullInt64
		cooldownHours sql.NullInt64
		nextRun       sql.NullTime
		lastRun       sql.NullTime
		errorMessage  sql.NullString
	)

	if err := row.Scan(
		&q.ID,
		&q.InstanceID,
		&q.Name,
		&strategy,
		&q.IsRecurring,
		&intervalHours,
		&q.Filters,
		&q.Status,
		&q.IsActive,
		&nextRun,
		&lastRun,
		&q.ItemsFound,
		&q.ItemsSearched,
		&q.ConsecutiveFailures,
		&errorMessage,
		&q.MaxItemsPerRun,
		&cooldownMode,
		&cooldownHours,
		&q.SeasonPackEnabled,
		&q.SeasonPackThreshold,
	); err != nil {
		return nil, err
	}

	parsed, err := ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	q.Strategy = parsed
	q.CooldownMode = CooldownMode(cooldownMode)

	if intervalHours.Valid {
		hours := int(intervalHours.Int64)
		q.IntervalHours = &hours
	}
	if cooldownHours.Valid {
		hours := int(cooldownHours.Int64)
		q.CooldownHours = &hours
	}
	if nextRun.Valid {
		t := nextRun.Time
		q.NextRun = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		q.LastRun = &t
	}
	if errorMessage.Valid {
		q.ErrorMessage = &errorMessage.String
	}

	return &q, nil
}
