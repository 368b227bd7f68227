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

	"github.com/skypro1111/voice-capture-service/internal/config"
	"github.com/skypro1111/voice-capture-service/internal/stub"
)

type stubFlags struct {
	listenAddr string
	text       string
	confidence float64
	language   string
	delay      time.Duration
	whisper    bool
}

func newStubCmd() *cobra.Command {
	var flags stubFlags

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a local voice processing endpoint",
		Long: `Serve POST /voice/process (and /api/v1/voice/process) locally. By default
the endpoint answers every clip with a canned transcript; with --whisper it
forwards clips to the OpenAI transcription backend from the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd.Flags().Changed("config"))
		},
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", ":8000", "Address to listen on")
	cmd.Flags().StringVar(&flags.text, "text", "", "Fixed transcript (default describes the received audio)")
	cmd.Flags().Float64Var(&flags.confidence, "confidence", 0.95, "Confidence reported with each transcript")
	cmd.Flags().StringVar(&flags.language, "language", "en", "Language reported with each transcript")
	cmd.Flags().DurationVar(&flags.delay, "delay", 0, "Simulated processing latency")
	cmd.Flags().BoolVar(&flags.whisper, "whisper", false, "Transcribe with the OpenAI backend instead of a canned answer")

	return cmd
}

func (f *stubFlags) run(configExplicit bool) error {
	cfg, err := loadConfig(cfgFile, envFile, configExplicit)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := initLogger(cfg.Logging)

	var processor stub.Processor = stub.NewEchoProcessor(stub.Config{
		Text:       f.text,
		Confidence: f.confidence,
		Language:   f.language,
		Delay:      f.delay,
	})
	if f.whisper {
		tcfg := cfg.Transcription
		tcfg.Backend = config.BackendOpenAI
		if err := tcfg.Validate(); err != nil {
			return fmt.Errorf("whisper backend: %w", err)
		}
		transcriber, _, err := buildTranscriber(tcfg)
		if err != nil {
			return err
		}
		processor = transcriber
	}

	s := stub.New(processor, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Listen(f.listenAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("stub server failed: %w", err)
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop stub server: %w", err)
	}

	stats := s.Stats()
	logger.Info("Stub stopped",
		slog.Uint64("requests", stats.Requests),
		slog.Uint64("failures", stats.Failures),
	)
	return nil
}
