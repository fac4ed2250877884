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

var ErrExclusionNotFound = errors.New("exclusion not found")

// Exclusion is a permanent opt-out: an item on the exclusion list is never
// searched regardless of cooldown state or strategy.
type Exclusion struct {
	ID          int64       `json:"id"`
	InstanceID  int         `json:"instanceId"`
	ContentType ContentType `json:"contentType"`
	ExternalID  int64       `json:"externalId"`
	Title       string      `json:"title"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type ExclusionStore struct {
	db dbinterface.Querier
}

func NewExclusionStore(db dbinterface.Querier) *ExclusionStore {
	return &ExclusionStore{db: db}
}

// Add registers an exclusion. Adding an already excluded item is a no-op.
func (s *ExclusionStore) Add(ctx context.Context, instanceID int, contentType ContentType, externalID int64, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exclusions (instance_id, content_type, external_id, title)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, content_type, external_id) DO NOTHING
	`, instanceID, string(contentType), externalID, title)
	if err != nil {
		return fmt.Errorf("add exclusion: %w", err)
	}
	return nil
}

func (s *ExclusionStore) Remove(ctx context.Context, instanceID int, contentType ContentType, externalID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM exclusions
		WHERE instance_id = ? AND content_type = ? AND external_id = ?
	`, instanceID, string(contentType), externalID)
	if err != nil {
		return fmt.Errorf("remove exclusion: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove exclusion rows affected: %w", err)
	}
	if affected == 0 {
		return ErrExclusionNotFound
	}
	return nil
}

func (s *ExclusionStore) List(ctx context.Context, instanceID int) ([]*Exclusion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, content_type, external_id, title, created_at
		FROM exclusions
		WHERE instance_id = ?
		ORDER BY created_at DESC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()

	var exclusions []*Exclusion
	for rows.Next() {
		var (
			e           Exclusion
			contentType string
			createdAt   sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &contentType, &e.ExternalID, &e.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		e.ContentType = ContentType(contentType)
		if createdAt.Valid {
			e.CreatedAt = createdAt.Time
		}
		exclusions = append(exclusions, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exclusions: %w", err)
	}
	return exclusions, nil
}

// SetFor loads an instance's exclusions as a lookup set for run filtering.
func (s *ExclusionStore) SetFor(ctx context.Context, instanceID int) (map[LibraryKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_type, external_id
		FROM exclusions
		WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load exclusion set: %w", err)
	}
	defer rows.Close()

	set := make(map[LibraryKey]struct{})
	for rows.Next() {
		var (
			contentType string
			externalID  int64
		)
		if err := rows.Scan(&contentType, &externalID); err != nil {
			return nil, fmt.Errorf("scan exclusion key: %w", err)
		}
		set[LibraryKey{ContentType: ContentType(contentType), ExternalID: externalID}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exclusion set: %w", err)
	}
	return set, nil
}
