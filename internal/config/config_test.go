// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, 50, cfg.Config.LogMaxSize)
	assert.Equal(t, 3, cfg.Config.LogMaxBackups)
	assert.Equal(t, 5.0, cfg.Config.SearchRatePerSecond)
	assert.Equal(t, 5, cfg.Config.HealthCheckIntervalMinutes)
	assert.Equal(t, 10, cfg.Config.FeedbackDelayMinutes)
	assert.Equal(t, 5, cfg.Config.MisfireGraceMinutes)
	assert.Equal(t, 30, cfg.Config.ExecutionRetentionDays)
	assert.False(t, cfg.Config.MetricsEnabled)
	assert.NotEmpty(t, cfg.Config.EncryptionKey, "encryption key is auto-generated")

	// data dir defaults to the config file's directory
	assert.Equal(t, filepath.Join(dir, "fetcharr.db"), cfg.GetDatabasePath())
}

func TestNewReadsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `logLevel = "DEBUG"
encryptionKey = "0123456789abcdef0123456789abcdef"
searchRatePerSecond = 0.5
misfireGraceMinutes = 15
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := New(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, 0.5, cfg.Config.SearchRatePerSecond)
	assert.Equal(t, 15, cfg.Config.MisfireGraceMinutes)
	// unset fields fall back to defaults
	assert.Equal(t, 30, cfg.Config.ExecutionRetentionDays)
}

func TestEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("FETCHARR__LOG_LEVEL", "TRACE")
	t.Setenv("FETCHARR__SEARCH_RATE_PER_SECOND", "2.5")
	t.Setenv("FETCHARR__METRICS_ENABLED", "true")
	t.Setenv("FETCHARR__METRICS_PORT", "9999")

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, "TRACE", cfg.Config.LogLevel)
	assert.Equal(t, 2.5, cfg.Config.SearchRatePerSecond)
	assert.True(t, cfg.Config.MetricsEnabled)
	assert.Equal(t, 9999, cfg.Config.MetricsPort)
}

func TestEncryptionKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("abcdef0123456789abcdef0123456789\n"), 0600))

	t.Setenv("FETCHARR__ENCRYPTION_KEY_FILE", keyFile)

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, "abcdef0123456789abcdef0123456789", cfg.Config.EncryptionKey)
}

func TestGetEncryptionKey(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)

	cfg.Config.EncryptionKey = "0123456789abcdef0123456789abcdefEXTRA"
	key := cfg.GetEncryptionKey()
	require.Len(t, key, 32)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), key)

	// short secrets are zero-padded to the block size
	cfg.Config.EncryptionKey = "short"
	key = cfg.GetEncryptionKey()
	require.Len(t, key, 32)
	assert.Equal(t, []byte("short"), key[:5])
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	dataDir := t.TempDir()

	t.Setenv("FETCHARR__DATA_DIR", dataDir)

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "fetcharr.db"), cfg.GetDatabasePath())
}

func TestResolveConfigPath(t *testing.T) {
	c := &AppConfig{}

	assert.Equal(t, "/etc/fetcharr/config.toml", c.resolveConfigPath("/etc/fetcharr/config.toml"))
	assert.Equal(t, filepath.Join("/etc/fetcharr", "config.toml"), c.resolveConfigPath("/etc/fetcharr"))
}
