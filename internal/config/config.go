package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Device kinds
const (
	DeviceUDP       = "udp"
	DeviceWebSocket = "websocket"
	DeviceFile      = "file"
)

// Transcription backends
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Config represents the complete service configuration
type Config struct {
	Capture       CaptureConfig       `yaml:"capture"`
	Device        DeviceConfig        `yaml:"device"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CaptureConfig contains recording session parameters
type CaptureConfig struct {
	TimesliceMS    int    `yaml:"timeslice_ms"`
	SubmitTimeout  int    `yaml:"submit_timeout"` // seconds
	MediaType      string `yaml:"media_type"`
	ConversationID string `yaml:"conversation_id"`
	UserID         string `yaml:"user_id"`
}

// DeviceConfig selects and configures the audio input
type DeviceConfig struct {
	Kind      string          `yaml:"kind"`
	UDP       UDPConfig       `yaml:"udp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	File      FileConfig      `yaml:"file"`
}

// UDPConfig contains network microphone configuration
type UDPConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	SampleRate  int    `yaml:"sample_rate"`
	MaxGap      int    `yaml:"max_gap"` // packets
}

// WebSocketConfig contains browser microphone configuration
type WebSocketConfig struct {
	Path           string   `yaml:"path"`
	GrantTimeout   int      `yaml:"grant_timeout"` // seconds
	FlushTimeoutMS int      `yaml:"flush_timeout_ms"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// FileConfig contains WAV playback configuration
type FileConfig struct {
	Path     string `yaml:"path"`
	Loop     bool   `yaml:"loop"`
	Realtime bool   `yaml:"realtime"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Backend       string `yaml:"backend"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`

	// OpenAI backend
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that records from the network microphone
// and posts clips to a local voice endpoint
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			TimesliceMS:    100,
			SubmitTimeout:  30,
			MediaType:      "audio/wav",
			ConversationID: "default",
			UserID:         "default",
		},
		Device: DeviceConfig{
			Kind: DeviceUDP,
			UDP: UDPConfig{
				Port:        4444,
				BindAddress: "0.0.0.0",
				BufferSize:  65536,
				SampleRate:  16000,
				MaxGap:      20,
			},
			WebSocket: WebSocketConfig{
				Path:           "/mic",
				GrantTimeout:   30,
				FlushTimeoutMS: 2000,
			},
		},
		Transcription: TranscriptionConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://localhost:8000/api/v1/voice/process",
			Timeout:       30,
			MaxConcurrent: 4,
			Model:         "whisper-1",
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their Default values; environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays VOICECAP_* variables (and OPENAI_API_KEY for the OpenAI
// backend) onto the configuration
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"VOICECAP_DEVICE_KIND":             &c.Device.Kind,
		"VOICECAP_DEVICE_FILE":             &c.Device.File.Path,
		"VOICECAP_TRANSCRIPTION_BACKEND":   &c.Transcription.Backend,
		"VOICECAP_TRANSCRIPTION_ENDPOINT":  &c.Transcription.Endpoint,
		"VOICECAP_TRANSCRIPTION_API_KEY":   &c.Transcription.APIKey,
		"VOICECAP_TRANSCRIPTION_BASE_URL":  &c.Transcription.BaseURL,
		"VOICECAP_TRANSCRIPTION_MODEL":     &c.Transcription.Model,
		"VOICECAP_TRANSCRIPTION_LANGUAGE":  &c.Transcription.Language,
		"VOICECAP_CAPTURE_CONVERSATION_ID": &c.Capture.ConversationID,
		"VOICECAP_CAPTURE_USER_ID":         &c.Capture.UserID,
		"VOICECAP_LOG_LEVEL":               &c.Logging.Level,
		"VOICECAP_LOG_FORMAT":              &c.Logging.Format,
	}
	for name, target := range strVars {
		if v, ok := lookup(name); ok && v != "" {
			*target = v
		}
	}

	intVars := map[string]*int{
		"VOICECAP_UDP_PORT":              &c.Device.UDP.Port,
		"VOICECAP_HTTP_PORT":             &c.HTTP.Port,
		"VOICECAP_TRANSCRIPTION_TIMEOUT": &c.Transcription.Timeout,
	}
	for name, target := range intVars {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", name, v)
		}
		*target = n
	}

	if c.Transcription.Backend == BackendOpenAI && c.Transcription.APIKey == "" {
		if v, ok := lookup("OPENAI_API_KEY"); ok {
			c.Transcription.APIKey = v
		}
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if c.Device.Kind == DeviceWebSocket && !c.HTTP.Enabled {
		return fmt.Errorf("device kind 'websocket' requires the HTTP server to be enabled")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.TimesliceMS < 10 || c.TimesliceMS > 10000 {
		return fmt.Errorf("timeslice_ms must be between 10 and 10000, got %d", c.TimesliceMS)
	}

	if c.SubmitTimeout < 1 {
		return fmt.Errorf("submit_timeout must be at least 1 second, got %d", c.SubmitTimeout)
	}

	if c.MediaType != "" && !strings.HasPrefix(c.MediaType, "audio/") {
		return fmt.Errorf("media_type must be an audio/* type, got '%s'", c.MediaType)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	switch d.Kind {
	case DeviceUDP:
		return d.UDP.Validate()
	case DeviceWebSocket:
		return d.WebSocket.Validate()
	case DeviceFile:
		return d.File.Validate()
	default:
		return fmt.Errorf("kind must be one of [udp, websocket, file], got '%s'", d.Kind)
	}
}

// Validate validates network microphone configuration
func (u *UDPConfig) Validate() error {
	if u.Port < 0 || u.Port > 65535 {
		return fmt.Errorf("udp port must be between 0 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true}
	if !validRates[u.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 22050, 24000, 44100, 48000, got %d", u.SampleRate)
	}

	if u.MaxGap < 0 {
		return fmt.Errorf("max_gap cannot be negative, got %d", u.MaxGap)
	}

	return nil
}

// Validate validates browser microphone configuration
func (w *WebSocketConfig) Validate() error {
	if !strings.HasPrefix(w.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", w.Path)
	}

	if w.GrantTimeout < 1 {
		return fmt.Errorf("grant_timeout must be at least 1 second, got %d", w.GrantTimeout)
	}

	if w.FlushTimeoutMS < 1 {
		return fmt.Errorf("flush_timeout_ms must be positive, got %d", w.FlushTimeoutMS)
	}

	return nil
}

// Validate validates WAV playback configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case BackendHTTP:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty")
		}
		u, err := url.Parse(t.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", t.Endpoint)
		}
	case BackendOpenAI:
		if t.APIKey == "" {
			return fmt.Errorf("api_key (or OPENAI_API_KEY) is required for the openai backend")
		}
		if t.Model == "" {
			return fmt.Errorf("model cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'http' or 'openai', got '%s'", t.Backend)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeslice returns the fragment interval as a time.Duration
func (c *CaptureConfig) GetTimeslice() time.Duration {
	return time.Duration(c.TimesliceMS) * time.Millisecond
}

// GetSubmitTimeout returns the submit timeout as a time.Duration
func (c *CaptureConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeout) * time.Second
}

// GetGrantTimeout returns the permission wait as a time.Duration
func (w *WebSocketConfig) GetGrantTimeout() time.Duration {
	return time.Duration(w.GrantTimeout) * time.Second
}

// GetFlushTimeout returns the flush acknowledgement wait as a time.Duration
func (w *WebSocketConfig) GetFlushTimeout() time.Duration {
	return time.Duration(w.FlushTimeoutMS) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Sanitized returns a copy safe to expose over the API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "***"
	}
	return out
}
