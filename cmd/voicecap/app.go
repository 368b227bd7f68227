package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/config"
	"github.com/skypro1111/voice-capture-service/internal/device/udp"
	"github.com/skypro1111/voice-capture-service/internal/device/wavfile"
	"github.com/skypro1111/voice-capture-service/internal/device/wsmic"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/server"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// loadConfig reads the dotenv file and the YAML configuration. A missing
// file at the default path falls back to built-in defaults.
func loadConfig(path, envPath string, pathExplicit bool) (*config.Config, error) {
	if err := config.LoadEnvFile(envPath); err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if pathExplicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// components are the pieces shared by serve and record
type components struct {
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	transcriber capture.Transcriber
	stats       server.StatsProvider
	device      capture.Device
	mic         http.Handler
	pipeline    *capture.Pipeline
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	transcriber, stats, err := buildTranscriber(cfg.Transcription)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription client: %w", err)
	}

	dev, mic, err := buildDevice(cfg.Device, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture device: %w", err)
	}

	return &components{
		registry:    registry,
		metrics:     m,
		transcriber: transcriber,
		stats:       stats,
		device:      dev,
		mic:         mic,
	}, nil
}

// newPipeline creates the capture pipeline recording from dev
func (c *components) newPipeline(cfg *config.Config, logger *slog.Logger, dev capture.Device) error {
	pipeline, err := capture.NewPipeline(dev, c.transcriber, capture.Options{
		Logger:        logger,
		Metrics:       c.metrics,
		Timeslice:     cfg.Capture.GetTimeslice(),
		SubmitTimeout: cfg.Capture.GetSubmitTimeout(),
		MediaType:     cfg.Capture.MediaType,
		UserID:        cfg.Capture.UserID,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture pipeline: %w", err)
	}
	c.pipeline = pipeline
	return nil
}

// buildTranscriber returns the configured backend. Only the HTTP client
// keeps statistics, so stats is nil for the OpenAI backend.
func buildTranscriber(cfg config.TranscriptionConfig) (capture.Transcriber, server.StatsProvider, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		client, err := transcription.NewWhisperClient(transcription.WhisperConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Language: cfg.Language,
			Timeout:  cfg.GetTimeoutDuration(),
		})
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	case config.BackendHTTP, "":
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxConcurrent: cfg.MaxConcurrent,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown transcription backend %q", cfg.Backend)
	}
}

// buildDevice returns the configured capture device. mic is non-nil only for
// the WebSocket device and must be mounted on the HTTP server.
func buildDevice(cfg config.DeviceConfig, logger *slog.Logger, m *metrics.Metrics) (capture.Device, http.Handler, error) {
	switch cfg.Kind {
	case config.DeviceUDP:
		return udp.New(udp.Config{
			BindAddress: cfg.UDP.BindAddress,
			Port:        cfg.UDP.Port,
			BufferSize:  cfg.UDP.BufferSize,
			SampleRate:  cfg.UDP.SampleRate,
			MaxGap:      uint32(cfg.UDP.MaxGap),
		}, logger, m), nil, nil
	case config.DeviceWebSocket:
		dev := wsmic.New(wsmic.Config{
			GrantTimeout:   cfg.WebSocket.GetGrantTimeout(),
			FlushTimeout:   cfg.WebSocket.GetFlushTimeout(),
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		}, logger)
		return dev, dev, nil
	case config.DeviceFile:
		return wavfile.New(wavfile.Config{
			Path:     cfg.File.Path,
			Loop:     cfg.File.Loop,
			Realtime: cfg.File.Realtime,
		}, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown device kind %q", cfg.Kind)
	}
}

func newHTTPServer(cfg *config.Config, logger *slog.Logger, c *components) *server.HTTPServer {
	return server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Options{
		Pipeline: c.pipeline,
		Stats:    c.stats,
		Mic:      c.mic,
		MicPath:  cfg.Device.WebSocket.Path,
		Metrics:  c.metrics,
		Gatherer: c.registry,
	})
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
