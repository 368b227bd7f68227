package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture control API",
		Long: `Start the HTTP control API. Recordings are started and stopped with
POST /capture/start and POST /capture/stop; the stop call submits the clip
and returns the transcription result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Flags().Changed("config"))
		},
	}
}

func runServe(configExplicit bool) error {
	cfg, err := loadConfig(cfgFile, envFile, configExplicit)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("serve requires http.enabled: true")
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)
	logger.Info("Configuration loaded",
		slog.String("device", cfg.Device.Kind),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Int("timeslice_ms", cfg.Capture.TimesliceMS),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	if err := c.newPipeline(cfg, logger, c.device); err != nil {
		return err
	}

	httpServer := newHTTPServer(cfg, logger, c)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Releases the device if a recording was still running
	c.pipeline.Cleanup()

	if c.stats != nil {
		stats := c.stats.GetStats()
		logger.Info("Final transcription statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
		)
	}

	logger.Info("Service stopped")
	return nil
}
