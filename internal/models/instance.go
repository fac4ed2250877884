// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/autobrr/fetcharr/internal/dbinterface"
)

var ErrInstanceNotFound = errors.New("instance not found")

// InstanceType identifies the media-manager backend variant.
type InstanceType string

const (
	InstanceTypeSonarr InstanceType = "sonarr"
	InstanceTypeRadarr InstanceType = "radarr"
)

// SupportsSeasonPacks reports whether the backend groups items hierarchically
// (series/season), enabling batched season searches.
func (t InstanceType) SupportsSeasonPacks() bool {
	return t == InstanceTypeSonarr
}

// Instance is a configured media-manager backend. The health fields are owned
// exclusively by the health monitor; everything else is operator-managed.
type Instance struct {
	ID              int          `json:"id"`
	Name            string       `json:"name"`
	Type            InstanceType `json:"type"`
	Host            string       `json:"host"`
	APIKeyEncrypted string       `json:"-"`
	IsActive        bool         `json:"isActive"`

	// Health state, see InstanceHealth.
	LastConnectionSuccess *bool   `json:"lastConnectionSuccess,omitempty"`
	ConnectionError       *string `json:"connectionError,omitempty"`
	ConsecutiveSuccesses  int     `json:"consecutiveSuccesses"`
	ConsecutiveFailures   int     `json:"consecutiveFailures"`
	ResponseTimeMs        *int    `json:"responseTimeMs,omitempty"`
}

// Healthy reports the monitor's view of the instance. An instance that has
// never been probed counts as healthy until the first failure.
func (i *Instance) Healthy() bool {
	return i.LastConnectionSuccess == nil || *i.LastConnectionSuccess
}

// InstanceHealth is the monitor-owned subset of instance state.
type InstanceHealth struct {
	LastConnectionSuccess *bool
	ConnectionError       *string
	ConsecutiveSuccesses  int
	ConsecutiveFailures   int
	ResponseTimeMs        *int
}

// InstanceStore persists instances with AES-GCM encrypted API keys.
type InstanceStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*InstanceStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &InstanceStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *InstanceStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string encrypted with encrypt
func (s *InstanceStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateAndNormalizeHost validates and normalizes a backend host URL.
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)

	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func parseInstanceType(raw string) (InstanceType, error) {
	switch InstanceType(raw) {
	case InstanceTypeSonarr, InstanceTypeRadarr:
		return InstanceType(raw), nil
	}
	return "", fmt.Errorf("unknown instance type %q", raw)
}

func (s *InstanceStore) Create(ctx context.Context, name string, instanceType InstanceType, rawHost, apiKey string) (*Instance, error) {
	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}
	if _, err := parseInstanceType(string(instanceType)); err != nil {
		return nil, err
	}

	encryptedKey, err := s.encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt API key: %w", err)
	}

	var id int
	var isActive bool
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO instances (name, type, host, api_key_encrypted)
		VALUES (?, ?, ?, ?)
		RETURNING id, is_active
	`, name, string(instanceType), normalizedHost, encryptedKey).Scan(&id, &isActive)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	return &Instance{
		ID:              id,
		Name:            name,
		Type:            instanceType,
		Host:            normalizedHost,
		APIKeyEncrypted: encryptedKey,
		IsActive:        isActive,
	}, nil
}

const instanceColumns = `
	id, name, type, host, api_key_encrypted, is_active,
	last_connection_success, connection_error, consecutive_successes,
	consecutive_failures, response_time_ms
`

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return instance, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY name COLLATE NOCASE, id`)
}

// ListActive returns instances eligible for health sweeps and queue runs.
func (s *InstanceStore) ListActive(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `SELECT `+instanceColumns+` FROM instances WHERE is_active = 1 ORDER BY id`)
}

func (s *InstanceStore) list(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

func (s *InstanceStore) Update(ctx context.Context, id int, name, rawHost, apiKey string) (*Instance, error) {
	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	query := `UPDATE instances SET name = ?, host = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{name, normalizedHost}

	if apiKey != "" {
		encryptedKey, err := s.encrypt(apiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt API key: %w", err)
		}
		query += `, api_key_encrypted = ?`
		args = append(args, encryptedKey)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrInstanceNotFound
	}

	return s.Get(ctx, id)
}

func (s *InstanceStore) SetActiveState(ctx context.Context, id int, active bool) (*Instance, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	if err != nil {
		return nil, fmt.Errorf("set instance active state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrInstanceNotFound
	}
	return s.Get(ctx, id)
}

// UpdateHealth persists the monitor-owned health fields.
func (s *InstanceStore) UpdateHealth(ctx context.Context, id int, health InstanceHealth) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET
			last_connection_success = ?,
			connection_error = ?,
			consecutive_successes = ?,
			consecutive_failures = ?,
			response_time_ms = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		health.LastConnectionSuccess,
		health.ConnectionError,
		health.ConsecutiveSuccesses,
		health.ConsecutiveFailures,
		health.ResponseTimeMs,
		id,
	)
	if err != nil {
		return fmt.Errorf("update instance health: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// GetDecryptedAPIKey returns the decrypted API key for an instance.
func (s *InstanceStore) GetDecryptedAPIKey(instance *Instance) (string, error) {
	return s.decrypt(instance.APIKeyEncrypted)
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		instance        Instance
		instanceType    string
		lastSuccess     sql.NullBool
		connectionError sql.NullString
		responseTimeMs  sql.NullInt64
	)

	if err := row.Scan(
		&instance.ID,
		&instance.Name,
		&instanceType,
		&instance.Host,
		&instance.APIKeyEncrypted,
		&instance.IsActive,
		&lastSuccess,
		&connectionError,
		&instance.ConsecutiveSuccesses,
		&instance.ConsecutiveFailures,
		&responseTimeMs,
	); err != nil {
		return nil, err
	}

	parsed, err := parseInstanceType(instanceType)
	if err != nil {
		return nil, err
	}
	instance.Type = parsed

	if lastSuccess.Valid {
		v := lastSuccess.Bool
		instance.LastConnectionSuccess = &v
	}
	if connectionError.Valid {
		instance.ConnectionError = &connectionError.String
	}
	if responseTimeMs.Valid {
		ms := int(responseTimeMs.Int64)
		instance.ResponseTimeMs = &ms
	}

	return &instance, nil
}
