// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config holds the runtime configuration unmarshalled by viper.
type Config struct {
	Version string

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"` // MB
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir       string `mapstructure:"dataDir"`
	EncryptionKey string `mapstructure:"encryptionKey"`

	// Search automation
	SearchRatePerSecond        float64 `mapstructure:"searchRatePerSecond"`
	HealthCheckIntervalMinutes int     `mapstructure:"healthCheckIntervalMinutes"`
	FeedbackDelayMinutes       int     `mapstructure:"feedbackDelayMinutes"`
	MisfireGraceMinutes        int     `mapstructure:"misfireGraceMinutes"`
	ExecutionRetentionDays     int     `mapstructure:"executionRetentionDays"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	PprofEnabled bool `mapstructure:"pprofEnabled"`
}
