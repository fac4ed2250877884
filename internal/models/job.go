// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autobrr/fetcharr/internal/dbinterface"
)

// JobType distinguishes the recurring search trigger from the one-shot
// feedback check scheduled after a run that dispatched searches.
type JobType string

const (
	JobTypeSearch   JobType = "search"
	JobTypeFeedback JobType = "feedback"
)

// SchedulerJob is the persisted shadow of a scheduler entry. It exists so
// startup can restore triggers and detect fires missed while the process was
// down; the live entry in the cron runner is authoritative while running.
type SchedulerJob struct {
	QueueID       int        `json:"queueId"`
	JobType       JobType    `json:"jobType"`
	IntervalHours *int       `json:"intervalHours,omitempty"`
	NextFireAt    *time.Time `json:"nextFireAt,omitempty"`
}

type JobStore struct {
	db dbinterface.Querier
}

func NewJobStore(db dbinterface.Querier) *JobStore {
	return &JobStore{db: db}
}

// Upsert writes the job row for a queue, replacing any previous entry.
func (s *JobStore) Upsert(ctx context.Context, job *SchedulerJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (queue_id, job_type, interval_hours, next_fire_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (queue_id) DO UPDATE SET
			job_type = excluded.job_type,
			interval_hours = excluded.interval_hours,
			next_fire_at = excluded.next_fire_at,
			updated_at = CURRENT_TIMESTAMP
	`, job.QueueID, string(job.JobType), job.IntervalHours, job.NextFireAt)
	if err != nil {
		return fmt.Errorf("upsert scheduler job: %w", err)
	}
	return nil
}

// Delete removes a queue's job row. Deleting an absent row is not an error.
func (s *JobStore) Delete(ctx context.Context, queueID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("delete scheduler job: %w", err)
	}
	return nil
}

func (s *JobStore) List(ctx context.Context) ([]*SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, job_type, interval_hours, next_fire_at
		FROM scheduler_jobs
		ORDER BY queue_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduler jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SchedulerJob
	for rows.Next() {
		var (
			job           SchedulerJob
			jobType       string
			intervalHours sql.NullInt64
			nextFireAt    sql.NullTime
		)
		if err := rows.Scan(&job.QueueID, &jobType, &intervalHours, &nextFireAt); err != nil {
			return nil, fmt.Errorf("scan scheduler job: %w", err)
		}
		job.JobType = JobType(jobType)
		if intervalHours.Valid {
			hours := int(intervalHours.Int64)
			job.IntervalHours = &hours
		}
		if nextFireAt.Valid {
			t := nextFireAt.Time
			job.NextFireAt = &t
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduler jobs: %w", err)
	}
	return jobs, nil
}
