package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/config"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/transcription"
)

const (
	serviceName    = "voice-capture-service"
	serviceVersion = "1.0.0"
)

// StatsProvider reports transcription client statistics
type StatsProvider interface {
	GetStats() transcription.ClientStats
}

// Options wires the components served by the API. Only Pipeline is required.
type Options struct {
	Pipeline *capture.Pipeline
	Stats    StatsProvider // Optional; the OpenAI backend keeps no statistics
	Mic      http.Handler  // Browser microphone endpoint, mounted at MicPath
	MicPath  string
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // Defaults to the global registry
}

// HTTPServer provides the capture control API and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	pipeline *capture.Pipeline
	stats    StatsProvider
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, opts Options) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pipeline:  opts.Pipeline,
		stats:     opts.Stats,
		metrics:   opts.Metrics,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, opts)
	h.handler = mux

	// Writes wait on permission grants and uploads, both bounded elsewhere
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, opts Options) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Recording control
	mux.HandleFunc("/capture", h.withMetrics("/capture", h.handleCapture))
	mux.HandleFunc("/capture/start", h.withMetrics("/capture/start", h.handleStart))
	mux.HandleFunc("/capture/stop", h.withMetrics("/capture/stop", h.handleStop))
	mux.HandleFunc("/capture/cleanup", h.withMetrics("/capture/cleanup", h.handleCleanup))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// The upgrade needs the raw ResponseWriter, so no metrics wrapper here
	if opts.Mic != nil {
		path := opts.MicPath
		if path == "" {
			path = "/mic"
		}
		mux.Handle(path, opts.Mic)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.pipeline.Status()
	components := map[string]interface{}{
		"pipeline": map[string]interface{}{
			"status": "running",
			"state":  status.State,
		},
		"device": map[string]interface{}{
			"kind": h.config.Device.Kind,
		},
	}

	if h.stats != nil {
		stats := h.stats.GetStats()
		components["transcription"] = map[string]interface{}{
			"status":          "running",
			"backend":         h.config.Transcription.Backend,
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	} else {
		components["transcription"] = map[string]interface{}{
			"status":  "running",
			"backend": h.config.Transcription.Backend,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleCapture implements the /capture endpoint
func (h *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.pipeline.Status())
}

// handleStart implements POST /capture/start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := h.pipeline.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, session.Stats())
	case errors.Is(err, capture.ErrSessionActive), errors.Is(err, capture.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrDeviceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":      err.Error(),
			"error_kind": string(capture.KindDeviceUnavailable),
		})
	default:
		h.logger.Error("Failed to start recording", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStop implements POST /capture/stop. The clip is submitted with the
// conversation_id and user_id form (or query) values.
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		conversationID = h.config.Capture.ConversationID
	}
	userID := r.FormValue("user_id")

	clip, err := h.pipeline.Stop(h.pipeline.Current())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := h.pipeline.SubmitAs(r.Context(), clip, conversationID, userID)

	status := http.StatusOK
	switch result.ErrorKind {
	case capture.KindNoAudioData:
		status = http.StatusUnprocessableEntity
	case capture.KindUploadFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// handleCleanup implements POST /capture/cleanup
func (h *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.pipeline.Cleanup()
	writeJSON(w, http.StatusOK, h.pipeline.Status())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := h.config.Sanitized()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capture": map[string]interface{}{
			"timeslice_ms":    sanitized.Capture.TimesliceMS,
			"submit_timeout":  sanitized.Capture.SubmitTimeout,
			"media_type":      sanitized.Capture.MediaType,
			"conversation_id": sanitized.Capture.ConversationID,
			"user_id":         sanitized.Capture.UserID,
		},
		"device": map[string]interface{}{
			"kind": sanitized.Device.Kind,
			"udp": map[string]interface{}{
				"port":         sanitized.Device.UDP.Port,
				"bind_address": sanitized.Device.UDP.BindAddress,
				"sample_rate":  sanitized.Device.UDP.SampleRate,
				"max_gap":      sanitized.Device.UDP.MaxGap,
			},
			"websocket": map[string]interface{}{
				"path":          sanitized.Device.WebSocket.Path,
				"grant_timeout": sanitized.Device.WebSocket.GrantTimeout,
			},
			"file": map[string]interface{}{
				"path": sanitized.Device.File.Path,
				"loop": sanitized.Device.File.Loop,
			},
		},
		"transcription": map[string]interface{}{
			"backend":        sanitized.Transcription.Backend,
			"endpoint":       sanitized.Transcription.Endpoint,
			"api_key":        sanitized.Transcription.APIKey,
			"timeout":        sanitized.Transcription.Timeout,
			"max_concurrent": sanitized.Transcription.MaxConcurrent,
			"model":          sanitized.Transcription.Model,
			"language":       sanitized.Transcription.Language,
		},
		"logging": map[string]interface{}{
			"level":  sanitized.Logging.Level,
			"format": sanitized.Logging.Format,
			"output": sanitized.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"capture":   h.pipeline.Status(),
	}
	if h.stats != nil {
		stats["transcription"] = h.stats.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /capture":          "Current recording state",
			"POST /capture/start":   "Start recording",
			"POST /capture/stop":    "Stop recording and transcribe the clip",
			"POST /capture/cleanup": "Discard the active recording",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
