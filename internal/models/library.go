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

// LibraryKey identifies a library item within one instance.
type LibraryKey struct {
	ContentType ContentType
	ExternalID  int64
}

// LibraryRecord mirrors one backend library item plus the local search
// history fetcharr keeps for it. SearchAttempts and LastSearchAt drive the
// durable cooldown; the rest is a cache of what the backend last reported.
type LibraryRecord struct {
	ID             int64       `json:"id"`
	InstanceID     int         `json:"instanceId"`
	ContentType    ContentType `json:"contentType"`
	ExternalID     int64       `json:"externalId"`
	Title          string      `json:"title"`
	Year           int         `json:"year"`
	Status         string      `json:"status"`
	Quality        string      `json:"quality"`
	QualityMet     bool        `json:"qualityMet"`
	SearchAttempts int         `json:"searchAttempts"`
	LastSearchAt   *time.Time  `json:"lastSearchAt,omitempty"`
}

// Key returns the record's identity within its instance.
func (r *LibraryRecord) Key() LibraryKey {
	return LibraryKey{ContentType: r.ContentType, ExternalID: r.ExternalID}
}

// RecordSearch bumps the attempt counter and stamps the search time.
func (r *LibraryRecord) RecordSearch(now time.Time) {
	r.SearchAttempts++
	r.LastSearchAt = &now
}

// LibraryStore persists per-item search history keyed by
// (instance, content type, external id).
type LibraryStore struct {
	db dbinterface.Querier
}

func NewLibraryStore(db dbinterface.Querier) *LibraryStore {
	return &LibraryStore{db: db}
}

// FetchForInstance loads all records for an instance keyed for lookup during
// a run's filtering phase.
func (s *LibraryStore) FetchForInstance(ctx context.Context, instanceID int) (map[LibraryKey]*LibraryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, content_type, external_id, title, year,
		       status, quality, quality_met, search_attempts, last_search_at
		FROM library_records
		WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("fetch library records: %w", err)
	}
	defer rows.Close()

	records := make(map[LibraryKey]*LibraryRecord)
	for rows.Next() {
		rec, err := scanLibraryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library record: %w", err)
		}
		records[rec.Key()] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library records: %w", err)
	}
	return records, nil
}

// SaveSearchUpdates upserts the given records in one transaction. Runs call
// this once after dispatch instead of writing per item.
func (s *LibraryStore) SaveSearchUpdates(ctx context.Context, records []*LibraryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin library update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO library_records (
			instance_id, content_type, external_id, title, year,
			status, quality, quality_met, search_attempts, last_search_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, content_type, external_id) DO UPDATE SET
			title = excluded.title,
			year = excluded.year,
			status = excluded.status,
			quality = excluded.quality,
			quality_met = excluded.quality_met,
			search_attempts = excluded.search_attempts,
			last_search_at = excluded.last_search_at
	`)
	if err != nil {
		return fmt.Errorf("prepare library update: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.InstanceID,
			string(rec.ContentType),
			rec.ExternalID,
			rec.Title,
			rec.Year,
			rec.Status,
			rec.Quality,
			rec.QualityMet,
			rec.SearchAttempts,
			rec.LastSearchAt,
		)
		if err != nil {
			return fmt.Errorf("upsert library record %d/%d: %w", rec.InstanceID, rec.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit library update: %w", err)
	}
	return nil
}

// DeleteForInstance drops all history for an instance.
func (s *LibraryStore) DeleteForInstance(ctx context.Context, instanceID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM library_records WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("delete library records: %w", err)
	}
	return nil
}

func scanLibraryRecord(row rowScanner) (*LibraryRecord, error) {
	var (
		rec          LibraryRecord
		contentType  string
		lastSearchAt sql.NullTime
	)

	if err := row.Scan(
		&rec.ID,
		&rec.InstanceID,
		&contentType,
		&rec.ExternalID,
		&rec.Title,
		&rec.Year,
		&rec.Status,
		&rec.Quality,
		&rec.QualityMet,
		&rec.SearchAttempts,
		&lastSearchAt,
	); err != nil {
		return nil, err
	}

	rec.ContentType = ContentType(contentType)
	if lastSearchAt.Valid {
		t := lastSearchAt.Time
		rec.LastSearchAt = &t
	}
	return &rec, nil
}
