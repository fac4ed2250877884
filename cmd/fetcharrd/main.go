// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/buildinfo"
	"github.com/autobrr/fetcharr/internal/config"
	"github.com/autobrr/fetcharr/internal/database"
	"github.com/autobrr/fetcharr/internal/domain"
	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
	"github.com/autobrr/fetcharr/internal/services/health"
	"github.com/autobrr/fetcharr/internal/services/scheduler"
	"github.com/autobrr/fetcharr/internal/services/search"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "fetcharr",
		Short: "Automated wanted-item search for Sonarr and Radarr",
		Long: `fetcharr - recurring search automation for Sonarr and Radarr instances.
Schedules wanted/cutoff searches, scores and rate-limits dispatch, and
pauses queues when an instance goes unhealthy.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/fetcharr/ or %APPDATA%\\fetcharr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runDaemon()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fetcharr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/fetcharr/config.toml
- Windows: %APPDATA%\fetcharr\config.toml

You can specify either a directory path or a direct file path:
- Directory: fetcharr generate-config --config-dir /path/to/config/
- File: fetcharr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runDaemon() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("FETCHARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("FETCHARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting fetcharr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize stores
	instanceStore, err := models.NewInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize instance store")
	}
	queueStore := models.NewQueueStore(db)
	jobStore := models.NewJobStore(db)
	executionStore := models.NewExecutionStore(db)
	libraryStore := models.NewLibraryStore(db)
	exclusionStore := models.NewExclusionStore(db)

	clientPool := arr.NewClientPool(instanceStore)
	defer clientPool.Close()

	var metricsManager *metrics.Metrics
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.New()
	}

	executor := search.NewExecutor(
		clientPool,
		libraryStore,
		exclusionStore,
		search.NewHistoryRecorder(executionStore, nil),
		search.NewRateLimiter(cfg.Config.SearchRatePerSecond, nil),
		search.NewCooldownChecker(nil),
		search.NewCooldownCache(nil),
		search.NewDefaultScoringPolicy(nil),
		nil,
	)

	monitor := health.NewMonitor(instanceStore, queueStore, clientPool, nil)

	schedulerService := scheduler.New(
		queueStore,
		instanceStore,
		jobStore,
		executionStore,
		executor,
		monitor,
		clientPool,
		metricsManager,
		schedulerOptions(cfg.Config),
		nil,
	)

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		schedulerService.UpdateOptions(schedulerOptions(conf))
	})

	if err := schedulerService.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	errorChannel := make(chan error, 1)

	if cfg.Config.MetricsEnabled {
		addr := net.JoinHostPort(cfg.Config.MetricsHost, strconv.Itoa(cfg.Config.MetricsPort))
		metricsServer := &http.Server{
			Addr:    addr,
			Handler: metricsManager.Handler(),
		}
		go func() {
			log.Info().Str("addr", addr).Msg("Starting metrics server")
			errorChannel <- metricsServer.ListenAndServe()
		}()
		defer metricsServer.Close()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	schedulerService.Stop(true)

	os.Exit(0)
}

func schedulerOptions(conf *domain.Config) scheduler.Options {
	return scheduler.Options{
		FeedbackDelay:  time.Duration(conf.FeedbackDelayMinutes) * time.Minute,
		MisfireGrace:   time.Duration(conf.MisfireGraceMinutes) * time.Minute,
		HealthInterval: time.Duration(conf.HealthCheckIntervalMinutes) * time.Minute,
		Retention:      time.Duration(conf.ExecutionRetentionDays) * 24 * time.Hour,
	}
}
