package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/signalq/pkg/api"
	"github.com/guido-cesarano/signalq/pkg/config"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/telemetry"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	envFile    string
	addr       string
	redisAddr  string
	workers    int
	logLevel   string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept alert webhooks and dispatch them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address (overrides app.http_addr)")
	cmd.Flags().StringVar(&f.redisAddr, "redis", "", "Redis address; enables the result store")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "scheduler worker goroutines")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// loadConfig layers defaults, the YAML file, the environment and flags.
func loadConfig(cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.App.HTTPAddr = f.addr
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = f.redisAddr
		cfg.Redis.Enabled = f.redisAddr != ""
	}
	if flags.Changed("workers") {
		cfg.Scheduler.Workers = f.workers
	}
	if flags.Changed("log-level") {
		cfg.App.LogLevel = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.SetLevel(cfg.App.LogLevel)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.TelemetryOptions())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Log.Error().Err(err).Msg("Failed to flush traces")
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		a.stop(0)
		return err
	}
	go a.collectMetrics(ctx, time.Duration(cfg.App.StatsIntervalSecs)*time.Second)

	if cfg.App.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := api.NewServer(cfg.App.HTTPAddr, a.router)
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info().
			Str("addr", cfg.App.HTTPAddr).
			Bool("redis", cfg.Redis.Enabled).
			Int("workers", cfg.Scheduler.Workers).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Log.Info().Msg("Shutting down server...")
	case serveErr = <-errCh:
		logger.Log.Error().Err(serveErr).Msg("Server failed")
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	if err := a.stop(cfg.DrainTimeout()); err != nil {
		logger.Log.Warn().Err(err).Msg("Drain timed out, running tasks were cancelled")
	}
	return serveErr
}
