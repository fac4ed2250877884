// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/database"
	"github.com/autobrr/fetcharr/internal/models"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func createTestInstance(t *testing.T, db *sql.DB, instanceType models.InstanceType) *models.Instance {
	t.Helper()

	store, err := models.NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)

	instance, err := store.Create(context.Background(), "test-"+string(instanceType), instanceType, "http://localhost:8989", "test-api-key")
	require.NoError(t, err)

	return instance
}
