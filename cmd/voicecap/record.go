package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/device/wsmic"
)

type recordFlags struct {
	duration       time.Duration
	conversationID string
	userID         string
	output         string
	noSubmit       bool
}

func newRecordCmd() *cobra.Command {
	var flags recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one clip and print the transcription",
		Long: `Record a single clip from the configured device and submit it. Recording
stops after --duration, when a WAV file has been fully played, or when Enter
is pressed. The result is printed to stdout as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd.Flags().Changed("config"))
		},
	}

	cmd.Flags().DurationVarP(&flags.duration, "duration", "d", 0, "Stop after this long (0 waits for Enter)")
	cmd.Flags().StringVar(&flags.conversationID, "conversation", "", "Conversation ID (default from config)")
	cmd.Flags().StringVar(&flags.userID, "user", "", "User ID (default from config)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Also write the clip to this file")
	cmd.Flags().BoolVar(&flags.noSubmit, "no-submit", false, "Do not submit the clip for transcription")

	return cmd
}

// streamTracker remembers the stream handed to the pipeline so record can
// tell when a finite source has run out
type streamTracker struct {
	capture.Device

	mu     sync.Mutex
	stream capture.Stream
}

func (t *streamTracker) RequestAudioStream(ctx context.Context, opts capture.StreamOptions) (capture.Stream, error) {
	stream, err := t.Device.RequestAudioStream(ctx, opts)
	if err == nil {
		t.mu.Lock()
		t.stream = stream
		t.mu.Unlock()
	}
	return stream, err
}

func (t *streamTracker) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.stream.(interface{ Finished() bool })
	return ok && f.Finished()
}

func (f *recordFlags) run(configExplicit bool) error {
	cfg, err := loadConfig(cfgFile, envFile, configExplicit)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// stdout carries the result
	if cfg.Logging.Output == "stdout" || cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	logger := initLogger(cfg.Logging)

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	tracker := &streamTracker{Device: c.device}
	if err := c.newPipeline(cfg, logger, tracker); err != nil {
		return err
	}
	pipeline := c.pipeline

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mic, ok := c.device.(*wsmic.Device); ok {
		httpServer := newHTTPServer(cfg, logger, c)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Stop(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "Waiting for a browser on ws://%s:%d%s ...\n",
			cfg.HTTP.Address, cfg.HTTP.Port, cfg.Device.WebSocket.Path)
		if err := waitForClient(ctx, mic); err != nil {
			return err
		}
	}

	session, err := pipeline.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	defer pipeline.Cleanup()

	if f.duration > 0 {
		fmt.Fprintf(os.Stderr, "Recording for %s...\n", f.duration)
	} else {
		fmt.Fprintln(os.Stderr, "Recording... press Enter to stop")
	}
	f.waitForStop(ctx, tracker, cfg.Capture.GetTimeslice())

	clip, err := pipeline.Stop(session)
	if err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	if f.output != "" && !clip.Empty() {
		if err := os.WriteFile(f.output, clip.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write clip: %w", err)
		}
		logger.Info("Clip written",
			slog.String("path", f.output),
			slog.Int("bytes", clip.Len()),
			slog.String("media_type", clip.MediaType),
		)
	}

	if f.noSubmit {
		return nil
	}

	conversationID := f.conversationID
	if conversationID == "" {
		conversationID = cfg.Capture.ConversationID
	}

	// The interrupt that ended recording must not cancel the upload
	result := pipeline.SubmitAs(context.Background(), clip, conversationID, f.userID)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("transcription failed: %s", result.Error)
	}
	return nil
}

// waitForStop blocks until the duration elapses, the source runs out, Enter
// is pressed or ctx is cancelled
func (f *recordFlags) waitForStop(ctx context.Context, tracker *streamTracker, poll time.Duration) {
	var deadline <-chan time.Time
	if f.duration > 0 {
		timer := time.NewTimer(f.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	enter := make(chan struct{})
	if f.duration == 0 {
		go func() {
			bufio.NewReader(os.Stdin).ReadString('\n')
			close(enter)
		}()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-enter:
			return
		case <-ticker.C:
			if tracker.finished() {
				return
			}
		}
	}
}

func waitForClient(ctx context.Context, mic *wsmic.Device) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !mic.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
