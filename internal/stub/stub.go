package stub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

// MaxUploadSize bounds the accepted audio_file part
const MaxUploadSize = 32 << 20

// Processor turns an uploaded clip into text
type Processor interface {
	Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error)
}

// Config configures the canned EchoProcessor answer
type Config struct {
	Text       string        // Fixed transcript; empty describes the received audio
	Confidence float64       // Defaults to 0.95
	Language   string        // Defaults to "en"
	Delay      time.Duration // Simulated recognition latency
}

// EchoProcessor answers every clip without running speech recognition.
// WAV uploads must parse; other media types are accepted as opaque bytes.
type EchoProcessor struct {
	config Config
}

// NewEchoProcessor creates a canned processor
func NewEchoProcessor(cfg Config) *EchoProcessor {
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.95
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &EchoProcessor{config: cfg}
}

// Transcribe validates the clip and returns the configured answer
func (p *EchoProcessor) Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error) {
	if len(request.Audio) == 0 {
		return nil, fmt.Errorf("failed to process voice input: empty audio file")
	}

	text := p.config.Text
	if isWAV(request.MediaType, request.Audio) {
		info, err := audio.GetWAVInfo(request.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to process voice input: %w", err)
		}
		if text == "" {
			text = fmt.Sprintf("received %.2f seconds of audio", info.Duration)
		}
	} else if text == "" {
		text = fmt.Sprintf("received %d bytes of %s", len(request.Audio), request.MediaType)
	}

	if p.config.Delay > 0 {
		select {
		case <-time.After(p.config.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &transcription.Response{
		Text:       text,
		Confidence: p.config.Confidence,
		Language:   p.config.Language,
	}, nil
}

func isWAV(mediaType string, data []byte) bool {
	if strings.HasPrefix(mediaType, "audio/wav") || strings.HasPrefix(mediaType, "audio/x-wav") {
		return true
	}
	return len(data) >= 4 && string(data[:4]) == "RIFF"
}

// Stats counts handled submissions
type Stats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

// Server is a stand-in for the voice processing backend. It serves
// POST /voice/process (also under /api/v1) with the same multipart form and
// JSON answers as the real route.
type Server struct {
	app       *fiber.App
	processor Processor
	logger    *slog.Logger

	stats Stats
	mu    sync.Mutex
}

// New creates the stub server around processor
func New(processor Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		processor: processor,
		logger:    logger,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "voicecap-stub",
		BodyLimit:             MaxUploadSize,
		DisableStartupMessage: true,
		Immutable:             true, // Processors may retain request strings
	})

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "stats": s.Stats()})
	})
	s.app.Post("/voice/process", s.handleProcess)
	s.app.Post("/api/v1/voice/process", s.handleProcess)

	return s
}

// App exposes the fiber application, mainly for app.Test
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("Starting stub voice endpoint", slog.String("address", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Stats returns a snapshot of the counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) record(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Requests++
	if failed {
		s.stats.Failures++
	}
}

func (s *Server) handleProcess(c *fiber.Ctx) error {
	startTime := time.Now()

	fileHeader, err := c.FormFile("audio_file")
	if err != nil {
		s.record(true)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"detail": "audio_file is required"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.record(true)
		return s.fail(c, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.record(true)
		return s.fail(c, err)
	}

	request := &transcription.Request{
		Audio:          data,
		Filename:       fileHeader.Filename,
		MediaType:      fileHeader.Header.Get("Content-Type"),
		ConversationID: c.FormValue("conversation_id", transcription.DefaultConversationID),
		UserID:         c.FormValue("user_id", transcription.DefaultUserID),
		RequestID:      c.Get("X-Request-ID"),
	}

	resp, err := s.processor.Transcribe(c.UserContext(), request)
	if err != nil {
		s.record(true)
		s.logger.Error("Error processing voice input",
			slog.String("request_id", request.RequestID),
			slog.String("conversation_id", request.ConversationID),
			slog.String("error", err.Error()),
		)
		return s.fail(c, err)
	}

	if resp.ProcessingTime == 0 {
		resp.ProcessingTime = float64(time.Since(startTime).Microseconds()) / 1000
	}

	s.record(false)
	s.logger.Info("Voice input processed",
		slog.String("request_id", request.RequestID),
		slog.String("conversation_id", request.ConversationID),
		slog.String("user_id", request.UserID),
		slog.String("filename", request.Filename),
		slog.Int("bytes", len(data)),
		slog.Int("text_length", len(resp.Text)),
	)

	return c.JSON(resp)
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"detail": "Error processing voice input: " + err.Error(),
	})
}
